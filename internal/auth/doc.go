// Package auth verifies the JWTs that dashboard agents, admins, and chat
// widgets present to the gateway.
//
// Tokens are HS256 signed with the configured jwt_secret and carry:
//
//   - sub: the agent or user id
//   - tenant: the tenant the identity belongs to
//   - role: "agent", "admin", or "widget"
//
// An Identity may only join its own tenant's rooms. Agents may only announce
// presence for themselves; admins may act for any agent of their tenant.
package auth
