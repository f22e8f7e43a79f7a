package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentproxy/internal/httperr"
)

// closedPortAddr reserves a port and releases it so connections to it
// are refused.
func closedPortAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestForwardSuccess(t *testing.T) {
	t.Parallel()

	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Retries: 2, AttemptTimeout: 5 * time.Second})

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	outcome := client.Forward(context.Background(), http.MethodPost, server.URL+"/agents", header, []byte(`{"name":"a"}`))

	require.True(t, outcome.Success())
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, http.StatusCreated, outcome.Response.StatusCode)

	body, err := io.ReadAll(outcome.Response.Body)
	require.NoError(t, err)
	require.NoError(t, outcome.Response.Body.Close())
	assert.Equal(t, "created", string(body))
	assert.Equal(t, `{"name":"a"}`, gotBody.Load())
}

func TestForwardServerErrorIsFinal(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Retries: 3, AttemptTimeout: 5 * time.Second})

	// The upstream answered; repeating could duplicate side effects.
	outcome := client.Forward(context.Background(), http.MethodPost, server.URL, http.Header{}, nil)

	require.True(t, outcome.Success())
	assert.Equal(t, http.StatusInternalServerError, outcome.Response.StatusCode)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	_ = outcome.Response.Body.Close()
}

func TestForwardRetriesConnectFailure(t *testing.T) {
	t.Parallel()

	client := NewClient(ClientConfig{
		Retries:        2,
		AttemptTimeout: time.Second,
		ConnectTimeout: 200 * time.Millisecond,
	})

	outcome := client.Forward(context.Background(), http.MethodGet, "http://"+closedPortAddr(t), http.Header{}, nil)

	assert.False(t, outcome.Success())
	assert.Equal(t, 3, outcome.Attempts)
	assert.Error(t, outcome.Err)
	assert.False(t, outcome.Invalid)

	code, _ := Classify(outcome)
	assert.Equal(t, httperr.CodeUpstreamUnreachable, code)
}

func TestForwardTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(ClientConfig{Retries: 1, AttemptTimeout: 100 * time.Millisecond})

	outcome := client.Forward(context.Background(), http.MethodGet, server.URL, http.Header{}, nil)

	assert.False(t, outcome.Success())
	assert.True(t, outcome.TimedOut)
	assert.Equal(t, 2, outcome.Attempts)

	code, _ := Classify(outcome)
	assert.Equal(t, httperr.CodeUpstreamTimeout, code)
}

func TestForwardInvalidResponseNotRetried(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	var accepts atomic.Int32
	go func() {
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			accepts.Add(1)
			_, _ = conn.Write([]byte("NOT-HTTP\r\n\r\n"))
			_ = conn.Close()
		}
	}()

	client := NewClient(ClientConfig{Retries: 3, AttemptTimeout: time.Second})

	outcome := client.Forward(context.Background(), http.MethodGet, "http://"+listener.Addr().String(), http.Header{}, nil)

	assert.False(t, outcome.Success())
	assert.True(t, outcome.Invalid)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, int32(1), accepts.Load())

	code, _ := Classify(outcome)
	assert.Equal(t, httperr.CodeUpstreamInvalid, code)
}

func TestForwardTimeoutDoesNotBoundStreaming(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("first"))
		flusher.Flush()

		// The body keeps flowing well past the attempt timeout.
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(" second"))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{AttemptTimeout: 100 * time.Millisecond})

	outcome := client.Forward(context.Background(), http.MethodGet, server.URL, http.Header{}, nil)
	require.True(t, outcome.Success())

	body, err := io.ReadAll(outcome.Response.Body)
	require.NoError(t, err)
	_ = outcome.Response.Body.Close()
	assert.Equal(t, "first second", string(body))
}

func TestForwardUpstreamCredential(t *testing.T) {
	t.Parallel()

	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{APIKey: "proxy-credential", AttemptTimeout: 5 * time.Second})

	header := http.Header{}
	header.Set("Authorization", "Bearer caller-token")

	outcome := client.Forward(context.Background(), http.MethodGet, server.URL, header, nil)
	require.True(t, outcome.Success())
	_ = outcome.Response.Body.Close()

	// The caller's token never reaches the upstream.
	assert.Equal(t, "Bearer proxy-credential", gotAuth.Load())
}

func TestForwardCircuitBreaker(t *testing.T) {
	t.Parallel()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "upstream",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	client := NewClient(ClientConfig{
		AttemptTimeout: time.Second,
		ConnectTimeout: 200 * time.Millisecond,
	}, WithBreaker(breaker))

	target := "http://" + closedPortAddr(t)

	outcome := client.Forward(context.Background(), http.MethodGet, target, http.Header{}, nil)
	assert.False(t, outcome.Success())

	outcome = client.Forward(context.Background(), http.MethodGet, target, http.Header{}, nil)
	assert.False(t, outcome.Success())
	assert.ErrorIs(t, outcome.Err, ErrCircuitOpen)
	assert.Equal(t, 1, outcome.Attempts)
}

func TestForwardCallerCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	client := NewClient(ClientConfig{Retries: 5, AttemptTimeout: 10 * time.Second})

	outcome := client.Forward(ctx, http.MethodGet, server.URL, http.Header{}, nil)

	// The caller is gone; no further attempts are made on its behalf.
	assert.False(t, outcome.Success())
	assert.Equal(t, 1, outcome.Attempts)
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	client := NewClient(ClientConfig{})

	assert.False(t, client.retryable(ErrCircuitOpen))
	assert.True(t, client.retryable(context.DeadlineExceeded))
	assert.True(t, client.retryable(&net.OpError{Op: "dial", Err: assert.AnError}))
}

func TestClassifyDefaults(t *testing.T) {
	t.Parallel()

	code, msg := Classify(&Outcome{})
	assert.Equal(t, httperr.CodeUpstreamUnreachable, code)
	assert.NotEmpty(t, msg)

	code, _ = Classify(&Outcome{TimedOut: true})
	assert.Equal(t, httperr.CodeUpstreamTimeout, code)

	code, _ = Classify(&Outcome{Invalid: true})
	assert.Equal(t, httperr.CodeUpstreamInvalid, code)
}
