// Package store persists conversations and their messages for the gateway.
//
// # Implementations
//
// Store has three implementations:
//
//   - SQLiteStore: modernc.org/sqlite with WAL mode and a single connection.
//     The schema is created on open.
//   - PostgresStore: lib/pq with queries built by squirrel. The schema comes
//     from the migrations embedded in the migrate subpackage.
//   - MockStore: in-memory, for tests and the "memory" driver.
//
// # Conversation lifecycle
//
// A conversation starts active (bot-handled). MarkTransferred records a
// handoff request. AssignIfUnassigned gives it to exactly one agent: it is a
// conditional update, so concurrent callers race and every loser gets
// ErrAlreadyAssigned. Escalate raises the priority to urgent without
// changing who may accept. End is terminal; later transitions return
// ErrConversationEnded.
//
// # Errors
//
//   - ErrNotFound: no such conversation or session
//   - ErrAlreadyAssigned: another agent won the accept
//   - ErrConversationEnded: the conversation was ended
//   - ErrDuplicate: a conversation or message id already exists
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") for real
// SQL. PostgresStore is tested with go-sqlmock, and the migrations against a
// testcontainers PostgreSQL under the integration build tag.
package store
