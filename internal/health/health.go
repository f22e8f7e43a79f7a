// Package health serves the proxy's own liveness endpoint. It
// answers for the proxy process only, never for the upstream.
package health

import (
	"encoding/json"
	"net/http"
)

// Path is the liveness endpoint, exempt from authentication and
// tenant resolution.
const Path = "/_proxy/health"

// Handler answers GET requests with a static ok body.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}
	})
}
