package middleware

import (
	"context"
	"net/http"

	"github.com/agentplane/agentproxy/internal/audit"
	"github.com/agentplane/agentproxy/internal/auth"
	"github.com/agentplane/agentproxy/internal/directory"
	"github.com/agentplane/agentproxy/internal/httperr"
	"github.com/agentplane/agentproxy/internal/observability"
)

// Headers consumed and echoed by the tenant middleware.
const (
	TenantIDHeader    = "X-Tenant-ID"
	AgentIDHeader     = "X-Agent-ID"
	UserSubjectHeader = "X-User-Subject"
)

// TenantContext is the resolved tenant scope of a request.
type TenantContext struct {
	// TenantID is the tenant the request claims.
	TenantID string

	// AgentID is the target agent, when the request names one.
	AgentID string

	// Role is the caller's role within the tenant.
	Role string
}

type tenantKey struct{}

// ContextWithTenant returns a context carrying the tenant scope.
func ContextWithTenant(ctx context.Context, tc *TenantContext) context.Context {
	return context.WithValue(ctx, tenantKey{}, tc)
}

// TenantFromContext returns the tenant scope stored on the context.
func TenantFromContext(ctx context.Context) (*TenantContext, bool) {
	tc, ok := ctx.Value(tenantKey{}).(*TenantContext)
	return tc, ok && tc != nil
}

// TenantConfig configures the tenant middleware.
type TenantConfig struct {
	// Required rejects requests that carry no tenant header.
	Required bool

	// SkipPaths are exact request paths that bypass resolution.
	SkipPaths []string
}

// Tenant returns a middleware that resolves the claimed tenant scope
// against the membership directory. A request claiming a tenant must
// be authenticated and the subject must be a member; the check fails
// closed with 403 otherwise.
func Tenant(resolver directory.MembershipResolver, cfg TenantConfig, logger observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}

	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			tenantID := r.Header.Get(TenantIDHeader)
			if tenantID == "" {
				if cfg.Required {
					httperr.Write(w, r, httperr.CodeTenantAccessDenied, "tenant context is required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			identity, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				httperr.Write(w, r, httperr.CodeInvalidToken, "authentication required for tenant access")
				return
			}

			if !resolver.TenantExists(tenantID) {
				logger.Debug("unknown tenant",
					observability.String("tenant", tenantID),
					observability.String("subject", identity.Subject),
				)
				httperr.Write(w, r, httperr.CodeTenantAccessDenied, "unknown tenant")
				return
			}

			role, ok := resolver.RoleOf(identity.Subject, tenantID)
			if !ok {
				httperr.Write(w, r, httperr.CodeTenantAccessDenied, "subject is not a member of the tenant")
				return
			}

			tc := &TenantContext{
				TenantID: tenantID,
				AgentID:  r.Header.Get(AgentIDHeader),
				Role:     role,
			}

			audit.SetTenant(r.Context(), tenantID)
			w.Header().Set(TenantIDHeader, tenantID)
			w.Header().Set(UserSubjectHeader, identity.Subject)

			next.ServeHTTP(w, r.WithContext(ContextWithTenant(r.Context(), tc)))
		})
	}
}
