package middleware

import (
	"net/http"
	"strings"
)

// CORSConfig contains CORS configuration.
type CORSConfig struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       string
}

// DefaultCORSConfig returns the default CORS configuration.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Api-Key", "X-Tenant-ID", "X-Request-ID"},
		MaxAge:       "86400",
	}
}

// corsHeaders holds pre-computed CORS header values.
type corsHeaders struct {
	allowOrigins    map[string]bool
	allowAllOrigins bool
	allowMethods    string
	allowHeaders    string
	maxAge          string
}

func newCORSHeaders(cfg CORSConfig) *corsHeaders {
	origins := make(map[string]bool, len(cfg.AllowOrigins))
	allowAll := false
	for _, origin := range cfg.AllowOrigins {
		if origin == "*" {
			allowAll = true
			continue
		}
		origins[origin] = true
	}

	return &corsHeaders{
		allowOrigins:    origins,
		allowAllOrigins: allowAll,
		allowMethods:    strings.Join(cfg.AllowMethods, ", "),
		allowHeaders:    strings.Join(cfg.AllowHeaders, ", "),
		maxAge:          cfg.MaxAge,
	}
}

func (h *corsHeaders) set(w http.ResponseWriter, origin string) {
	if origin == "" {
		return
	}
	if h.allowAllOrigins {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else if h.allowOrigins[origin] {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	} else {
		return
	}

	w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", h.allowHeaders)
	if h.maxAge != "" {
		w.Header().Set("Access-Control-Max-Age", h.maxAge)
	}
}

// CORS returns the CORS middleware. It runs outermost so every
// response, including errors produced by inner middleware, carries
// the CORS headers; a browser cannot read a denial body without them.
// Preflight requests are answered directly with 204.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	if len(cfg.AllowMethods) == 0 {
		cfg.AllowMethods = DefaultCORSConfig().AllowMethods
	}
	if len(cfg.AllowHeaders) == 0 {
		cfg.AllowHeaders = DefaultCORSConfig().AllowHeaders
	}
	headers := newCORSHeaders(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers.set(w, r.Header.Get("Origin"))

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
