package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentplane/agentproxy/internal/observability"
)

func TestWrapResponseWriter(t *testing.T) {
	t.Parallel()

	t.Run("records status and size", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		rw := WrapResponseWriter(rec)

		rw.WriteHeader(http.StatusTeapot)
		n, err := rw.Write([]byte("hello"))
		assert.NoError(t, err)
		assert.Equal(t, 5, n)

		assert.Equal(t, http.StatusTeapot, rw.Status())
		assert.Equal(t, 5, rw.Size())
	})

	t.Run("defaults to 200 without explicit WriteHeader", func(t *testing.T) {
		t.Parallel()

		rw := WrapResponseWriter(httptest.NewRecorder())
		_, _ = rw.Write([]byte("ok"))

		assert.Equal(t, http.StatusOK, rw.Status())
	})

	t.Run("accumulates size across writes", func(t *testing.T) {
		t.Parallel()

		rw := WrapResponseWriter(httptest.NewRecorder())
		_, _ = rw.Write([]byte("abc"))
		_, _ = rw.Write([]byte("de"))

		assert.Equal(t, 5, rw.Size())
	})

	t.Run("forwards Flush", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		rw := WrapResponseWriter(rec)
		rw.Flush()

		assert.True(t, rec.Flushed)
	})
}

func TestResponseWriterUnwrap(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := WrapResponseWriter(rec)

	// http.ResponseController reaches Hijacker and friends through
	// Unwrap; without it websocket upgrades fail behind the wrapper.
	assert.Same(t, http.ResponseWriter(rec), rw.Unwrap())
}

func TestLogging(t *testing.T) {
	t.Parallel()

	handler := Logging(observability.NopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("created"))
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/agents", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
}
