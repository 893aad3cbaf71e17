// ABOUTME: Real-time event names and payload shapes sent to rooms
// ABOUTME: Each event is bound to exactly one room kind it may target

package dispatch

import (
	"encoding/json"
	"time"

	"github.com/2389/handoff-gateway/internal/room"
)

// Server-to-room event names.
const (
	EventAgentStatus           = "agent-status"
	EventNewHandoff            = "new-handoff"
	EventHandoffQueued         = "handoff-queued"
	EventHandoffRequest        = "handoff-request"
	EventHandoffAccepted       = "handoff-accepted"
	EventNewMessage            = "new-message"
	EventConversationEscalated = "conversation-escalated"
	EventConversationEnded     = "conversation-ended"
)

// targets maps every known event to the room kind it fans out to.
var targets = map[string]room.Kind{
	EventAgentStatus:           room.KindTenant,
	EventNewHandoff:            room.KindTenant,
	EventHandoffQueued:         room.KindTenant,
	EventConversationEscalated: room.KindTenant,
	EventHandoffRequest:        room.KindAgent,
	EventNewMessage:            room.KindConversation,
	EventHandoffAccepted:       room.KindConversation,
	EventConversationEnded:     room.KindConversation,
}

// Target returns the room kind an event is delivered to.
func Target(event string) (room.Kind, bool) {
	k, ok := targets[event]
	return k, ok
}

// AgentStatus is the agent-status payload.
type AgentStatus struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

// NewHandoff is the new-handoff payload. Extra carries caller-supplied fields
// (customer info, channel, ...) that are passed through untouched.
type NewHandoff struct {
	ConversationID string
	TenantID       string
	Reason         string
	Priority       string
	RequestedAt    time.Time
	Extra          map[string]json.RawMessage
}

// MarshalJSON flattens Extra next to the well-known fields.
// Well-known fields win over extras with the same key.
func (h NewHandoff) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h.Extra)+5)
	for k, v := range h.Extra {
		out[k] = v
	}
	out["conversationId"] = h.ConversationID
	out["tenantId"] = h.TenantID
	out["reason"] = h.Reason
	out["priority"] = h.Priority
	out["requestedAt"] = h.RequestedAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// HandoffQueued is the handoff-queued payload.
type HandoffQueued struct {
	ConversationID string `json:"conversationId"`
	EstimatedWait  string `json:"estimatedWait"`
}

// HandoffRequest is the handoff-request payload sent to a single agent.
type HandoffRequest struct {
	ConversationID string    `json:"conversationId"`
	AgentID        string    `json:"agentId"`
	Reason         string    `json:"reason,omitempty"`
	RequestedAt    time.Time `json:"requestedAt"`
}

// HandoffAccepted is the handoff-accepted payload.
type HandoffAccepted struct {
	ConversationID string    `json:"conversationId"`
	TenantID       string    `json:"tenantId,omitempty"`
	AgentID        string    `json:"agentId"`
	Status         string    `json:"status"`
	AssignedAt     time.Time `json:"assignedAt"`
}

// ConversationEscalated is the conversation-escalated payload.
type ConversationEscalated struct {
	ConversationID string    `json:"conversationId"`
	Reason         string    `json:"reason,omitempty"`
	Priority       string    `json:"priority"`
	EscalatedAt    time.Time `json:"escalatedAt"`
}

// ConversationEnded is the conversation-ended payload.
type ConversationEnded struct {
	ConversationID string    `json:"conversationId"`
	EndedAt        time.Time `json:"endedAt"`
}
