package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/agentplane/agentproxy/internal/observability"
)

// RequestIDHeader is the header carrying the correlation id. An
// inbound value is trusted and propagated so callers can correlate
// across their own systems; one is generated otherwise.
const RequestIDHeader = "X-Request-ID"

// RequestID returns a middleware that ensures every request has a
// request id, stored on the context and echoed on the response.
func RequestID() func(http.Handler) http.Handler {
	return RequestIDWithGenerator(func() string {
		return uuid.New().String()
	})
}

// RequestIDWithGenerator returns the request id middleware with a
// custom id generator.
func RequestIDWithGenerator(generator func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = generator()
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
