package auth

import (
	"errors"
	"net/http"

	"github.com/agentplane/agentproxy/internal/audit"
	"github.com/agentplane/agentproxy/internal/auth/jwt"
	"github.com/agentplane/agentproxy/internal/httperr"
	"github.com/agentplane/agentproxy/internal/observability"
)

// MiddlewareConfig configures the authentication middleware.
type MiddlewareConfig struct {
	// Required rejects requests without credentials. When false,
	// requests with no credentials pass through anonymously but
	// invalid credentials are still rejected.
	Required bool

	// SkipPaths are exact request paths that bypass authentication.
	SkipPaths []string
}

// Middleware authenticates requests and stores the identity on the
// request context.
type Middleware struct {
	validator jwt.Validator
	config    MiddlewareConfig
	logger    observability.Logger
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithMiddlewareLogger sets the logger for the middleware.
func WithMiddlewareLogger(logger observability.Logger) MiddlewareOption {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMiddleware creates the authentication middleware.
func NewMiddleware(validator jwt.Validator, config MiddlewareConfig, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		validator: validator,
		config:    config,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler wraps next with authentication. CORS preflight and the
// configured skip paths are never challenged.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || m.skip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		creds, err := ExtractCredentials(r)
		if err != nil {
			if errors.Is(err, ErrNoCredentials) && !m.config.Required {
				next.ServeHTTP(w, r)
				return
			}
			m.unauthorized(w, r, "missing or malformed credentials")
			return
		}

		claims, err := m.validator.Validate(r.Context(), creds.Value)
		if err != nil {
			if !jwt.IsInvalidTokenError(err) {
				m.logger.Error("token verification unavailable",
					observability.Error(err),
					observability.String("requestID", observability.RequestIDFromContext(r.Context())),
				)
				httperr.Write(w, r, httperr.CodeInternal, "authentication provider unavailable")
				return
			}
			m.logger.Debug("token rejected",
				observability.Error(err),
				observability.String("source", creds.Source),
			)
			m.unauthorized(w, r, "invalid or expired token")
			return
		}

		identity := &Identity{
			Subject:  claims.Subject,
			Issuer:   claims.Issuer,
			Audience: []string(claims.Audience),
			AuthType: creds.Type,
			Email:    claims.Email,
			Claims:   claims.Extra,
		}
		if claims.ExpiresAt != nil {
			identity.ExpiresAt = claims.ExpiresAt.Time
		}

		audit.SetSubject(r.Context(), identity.Subject)
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m *Middleware) skip(path string) bool {
	for _, p := range m.config.SkipPaths {
		if path == p {
			return true
		}
	}
	return false
}

func (m *Middleware) unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	httperr.Write(w, r, httperr.CodeInvalidToken, message)
}
