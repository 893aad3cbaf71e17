package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityPermissions(t *testing.T) {
	agent := &Identity{Subject: "a1", TenantID: "acme", Role: RoleAgent}
	admin := &Identity{Subject: "boss", TenantID: "acme", Role: RoleAdmin}
	widget := &Identity{Subject: "visitor", TenantID: "acme", Role: RoleWidget}

	assert.True(t, agent.CanJoinTenant("acme"))
	assert.False(t, agent.CanJoinTenant("globex"))

	assert.True(t, agent.CanActAsAgent("a1"))
	assert.False(t, agent.CanActAsAgent("a2"))
	assert.True(t, admin.CanActAsAgent("a2"))
	assert.False(t, widget.CanActAsAgent("visitor"))
}

func TestContextRoundTrip(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	id := &Identity{Subject: "a1", TenantID: "acme", Role: RoleAgent}
	ctx := WithIdentity(context.Background(), id)
	assert.Same(t, id, FromContext(ctx))
}
