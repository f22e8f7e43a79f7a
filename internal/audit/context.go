package audit

import (
	"context"
	"sync"
)

// Extras collects record fields that are only known to inner layers
// of the middleware chain. The audit middleware plants one on the
// context before dispatch and reads it after the response completes;
// the authentication and tenant layers fill it in.
type Extras struct {
	mu       sync.Mutex
	subject  string
	tenantID string
}

// Subject returns the recorded subject.
func (e *Extras) Subject() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subject
}

// TenantID returns the recorded tenant id.
func (e *Extras) TenantID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tenantID
}

type extrasKey struct{}

// ContextWithExtras returns a context carrying a fresh Extras holder.
func ContextWithExtras(ctx context.Context) (context.Context, *Extras) {
	extras := &Extras{}
	return context.WithValue(ctx, extrasKey{}, extras), extras
}

// SetSubject records the authenticated subject for the request's
// audit record. A no-op when no holder is on the context.
func SetSubject(ctx context.Context, subject string) {
	if extras, ok := ctx.Value(extrasKey{}).(*Extras); ok {
		extras.mu.Lock()
		extras.subject = subject
		extras.mu.Unlock()
	}
}

// SetTenant records the resolved tenant for the request's audit
// record. A no-op when no holder is on the context.
func SetTenant(ctx context.Context, tenantID string) {
	if extras, ok := ctx.Value(extrasKey{}).(*Extras); ok {
		extras.mu.Lock()
		extras.tenantID = tenantID
		extras.mu.Unlock()
	}
}
