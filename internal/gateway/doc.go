// Package gateway wires the handoff-gateway components behind one HTTP server.
//
// # Overview
//
// The Gateway owns a single room registry, dispatcher, presence tracker and
// handoff coordinator, and the conversation backend they persist through.
// New builds them from a config.Config; Run serves until its context ends.
//
// # WebSocket
//
// GET /ws upgrades to a WebSocket carrying JSON frames:
//
//	{"event": "agent-online", "data": {"agentId": "a1", "tenantId": "t1"}}
//
// Inbound events: join-tenant, agent-online, agent-offline,
// join-conversation, leave-conversation, chat-message, handoff-notification.
// A rejected event is answered with an "error" frame naming the event.
//
// Each connection has one read goroutine, which handles inbound events in
// order, and one write goroutine draining a bounded queue. A full queue drops
// the frame for that session only.
//
// # HTTP API
//
//   - GET /health, GET /api/health - Liveness
//   - POST /api/handoff - Mark transferred, notify the tenant, queue if nobody is online
//   - POST /api/handoff/direct - Ask one agent
//   - POST /api/chat/{id}/agent-accept - First agent wins, later ones get 409
//   - POST /api/chat/{id}/agent-message - Assigned agent writes to the conversation
//   - POST /api/chat/{id}/escalate
//   - POST /api/chat/{id}/end
//   - GET /api/chat/history/{sessionId}
//   - GET /api/presence/{tenantId}
//
// Errors are JSON objects with an "error" field.
//
// # Authentication
//
// With auth.jwt_secret set, /ws and /api/ require a token, as a bearer header
// or a token query parameter. Sessions may only join their own tenant and
// announce their own agent id.
//
// # Storage
//
// database.driver selects sqlite, postgres, memory, or remote. The remote
// driver delegates conversation state to the external chat API.
package gateway
