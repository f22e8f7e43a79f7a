// Package directory holds the static tenant directory the proxy is
// started with: which subjects belong to which tenant and with what
// role, and which tenant each agent belongs to. Authoritative
// management of this data lives in the control plane; the proxy only
// reads a snapshot.
package directory

import (
	"strings"
	"sync"

	"github.com/agentplane/agentproxy/internal/config"
)

// MembershipResolver resolves a subject's role within a tenant.
type MembershipResolver interface {
	// RoleOf returns the subject's role in the tenant. The second
	// return value reports whether the subject is a member at all.
	RoleOf(subject, tenantID string) (string, bool)

	// TenantExists reports whether the tenant is known.
	TenantExists(tenantID string) bool
}

// Directory is an immutable snapshot of tenant memberships and agent
// ownership, safe for concurrent readers. Replace swaps in a new
// snapshot on config reload.
type Directory struct {
	mu      sync.RWMutex
	members map[string]map[string]string
	agents  map[string]string
}

// New builds a directory from the configured entries.
func New(settings config.DirectorySettings) *Directory {
	d := &Directory{}
	d.Replace(settings)
	return d
}

// Replace swaps the directory contents for a new snapshot.
func (d *Directory) Replace(settings config.DirectorySettings) {
	members := make(map[string]map[string]string, len(settings.Tenants))
	for _, tenant := range settings.Tenants {
		roles := make(map[string]string, len(tenant.Members))
		for _, member := range tenant.Members {
			roles[member.Subject] = strings.ToLower(member.Role)
		}
		members[tenant.ID] = roles
	}

	agents := make(map[string]string, len(settings.Agents))
	for _, agent := range settings.Agents {
		agents[agent.ID] = agent.Tenant
	}

	d.mu.Lock()
	d.members = members
	d.agents = agents
	d.mu.Unlock()
}

// RoleOf returns the subject's role in the tenant.
func (d *Directory) RoleOf(subject, tenantID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roles, ok := d.members[tenantID]
	if !ok {
		return "", false
	}
	role, ok := roles[subject]
	return role, ok
}

// TenantExists reports whether the tenant is known.
func (d *Directory) TenantExists(tenantID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.members[tenantID]
	return ok
}

// AgentTenant returns the tenant an agent belongs to.
func (d *Directory) AgentTenant(agentID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant, ok := d.agents[agentID]
	return tenant, ok
}

var _ MembershipResolver = (*Directory)(nil)
