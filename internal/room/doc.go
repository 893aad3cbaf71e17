// Package room tracks which live sessions belong to which broadcast rooms.
//
// # Rooms
//
// A room is a string key derived from a scope and an id:
//
//	tenant-<tenantId>             every agent and observer of a tenant
//	agent-<agentId>               the session(s) of a single agent identity
//	conversation-<conversationId> sessions watching one conversation
//
// Rooms have no storage of their own; they exist while at least one session
// is joined.
//
// # Registry
//
// The Registry is the single shared membership index. It is created once at
// startup and passed to the presence tracker and the dispatcher:
//
//	rooms := room.NewRegistry(logger)
//	rooms.Join(sess, room.Tenant("acme"))
//	rooms.Broadcast(room.Tenant("acme"), "agent-status", payload, sess.ID())
//
// Broadcast delivers to a snapshot of the membership taken at call time.
// One failing session never prevents delivery to the others. When a
// connection closes, Remove drops the session from every room it joined.
package room
