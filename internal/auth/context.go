// ABOUTME: Authenticated identity and its tenant/agent permission checks
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Role is what an identity is allowed to do.
type Role string

// Roles
const (
	RoleAgent  Role = "agent"
	RoleAdmin  Role = "admin"
	RoleWidget Role = "widget" // customer-facing chat widget
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleAdmin, RoleWidget:
		return true
	}
	return false
}

// Identity is the authenticated caller.
type Identity struct {
	Subject  string
	TenantID string
	Role     Role
}

// CanJoinTenant reports whether the identity may receive tenantID's events.
func (i *Identity) CanJoinTenant(tenantID string) bool {
	return i.TenantID == tenantID
}

// CanActAsAgent reports whether the identity may announce presence or
// accept conversations as agentID.
func (i *Identity) CanActAsAgent(agentID string) bool {
	switch i.Role {
	case RoleAdmin:
		return true
	case RoleAgent:
		return i.Subject == agentID
	default:
		return false
	}
}

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity in ctx, or nil when the request is
// unauthenticated (auth disabled).
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
