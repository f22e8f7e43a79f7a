package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/agentplane/agentproxy/internal/httperr"
	"github.com/agentplane/agentproxy/internal/observability"
)

// Recovery returns a middleware that recovers from handler panics and
// answers with the standard error envelope.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						observability.String("path", r.URL.Path),
						observability.String("method", r.Method),
						observability.Any("error", err),
						observability.String("stack", string(debug.Stack())),
						observability.String("request_id", observability.RequestIDFromContext(r.Context())),
					)

					httperr.Write(w, r, httperr.CodeInternal, "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
