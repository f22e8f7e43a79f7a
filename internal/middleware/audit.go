package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agentplane/agentproxy/internal/audit"
	"github.com/agentplane/agentproxy/internal/observability"
)

// Audit returns a middleware emitting exactly one audit record per
// request. The record is written after the response has fully
// completed so the recorded status and duration are final.
func Audit(auditLogger audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := WrapResponseWriter(w)

			// Identity and tenant scope are resolved by inner
			// layers; the holder lets them reach this record.
			ctx, extras := audit.ContextWithExtras(r.Context())

			next.ServeHTTP(rw, r.WithContext(ctx))

			duration := time.Since(start)
			rec := &audit.Record{
				RequestID:   observability.RequestIDFromContext(r.Context()),
				Plane:       planeFor(r.URL.Path),
				Method:      r.Method,
				Path:        r.URL.Path,
				Query:       r.URL.RawQuery,
				StatusCode:  rw.Status(),
				Duration:    duration,
				DurationMS:  float64(duration.Microseconds()) / 1000,
				ClientIP:    clientIP(r),
				Timestamp:   start.UTC(),
				UserSubject: extras.Subject(),
				TenantID:    extras.TenantID(),
			}

			auditLogger.Emit(r.Context(), rec)
		})
	}
}

func planeFor(path string) string {
	if strings.HasPrefix(path, "/_proxy/") {
		return audit.PlaneInternal
	}
	return audit.PlanePassthrough
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
