// ABOUTME: JSON shapes exchanged with the chat API and their store conversions
// ABOUTME: Tolerates Mongo-style _id fields and populated assignedAgent objects

package chatapi

import (
	"encoding/json"
	"time"

	"github.com/2389/handoff-gateway/internal/store"
)

type handoffData struct {
	Reason        string    `json:"reason,omitempty"`
	Priority      string    `json:"priority,omitempty"`
	RequestedAt   time.Time `json:"requestedAt,omitzero"`
	EstimatedWait string    `json:"estimatedWait,omitempty"`
}

type conversationJSON struct {
	ID            string          `json:"id"`
	MongoID       string          `json:"_id"`
	TenantID      string          `json:"tenantId"`
	SessionID     string          `json:"sessionId"`
	Status        string          `json:"status"`
	AssignedAgent json.RawMessage `json:"assignedAgent"`
	HandoffData   *handoffData    `json:"handoffData"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type conversationEnvelope struct {
	Success      bool              `json:"success"`
	Conversation *conversationJSON `json:"conversation"`
}

type conversationsEnvelope struct {
	Conversations []conversationJSON `json:"conversations"`
}

// agentRef is either a bare id string or a populated user object.
func agentRef(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID      string `json:"id"`
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if obj.ID != "" {
		return obj.ID
	}
	return obj.MongoID
}

func (c *conversationJSON) toStore() *store.Conversation {
	id := c.ID
	if id == "" {
		id = c.MongoID
	}
	conv := &store.Conversation{
		ID:            id,
		TenantID:      c.TenantID,
		SessionID:     c.SessionID,
		Status:        store.ConversationStatus(c.Status),
		AssignedAgent: agentRef(c.AssignedAgent),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if c.HandoffData != nil {
		conv.Handoff = store.Handoff{
			Reason:        c.HandoffData.Reason,
			Priority:      c.HandoffData.Priority,
			RequestedAt:   c.HandoffData.RequestedAt,
			EstimatedWait: c.HandoffData.EstimatedWait,
		}
	}
	return conv
}

type messageJSON struct {
	ID             string    `json:"id"`
	MongoID        string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	SenderID       string    `json:"senderId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (m *messageJSON) toStore() store.Message {
	id := m.ID
	if id == "" {
		id = m.MongoID
	}
	return store.Message{
		ID:             id,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		SenderID:       m.SenderID,
		CreatedAt:      m.Timestamp,
	}
}

type historyEnvelope struct {
	Messages []messageJSON `json:"messages"`
}

type messageEnvelope struct {
	Success bool         `json:"success"`
	Message *messageJSON `json:"message"`
}

// TeamMember is one entry of the tenant's team.
type TeamMember struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Online bool   `json:"isOnline"`
}

type teamEnvelope struct {
	Team []TeamMember `json:"team"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
