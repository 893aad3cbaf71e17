// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Defines Conversation, Message, and the atomic assign-if-unassigned contract

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyAssigned is returned when another agent already took the conversation
	ErrAlreadyAssigned = errors.New("conversation already assigned")

	// ErrConversationEnded is returned for transitions on an ended conversation
	ErrConversationEnded = errors.New("conversation ended")

	// ErrDuplicate is returned when creating an entity whose id already exists
	ErrDuplicate = errors.New("already exists")
)

// ConversationStatus is the persisted lifecycle status of a conversation.
type ConversationStatus string

// Conversation statuses
const (
	StatusActive      ConversationStatus = "active"      // bot-handled
	StatusTransferred ConversationStatus = "transferred" // waiting for a human
	StatusEscalated   ConversationStatus = "escalated"   // elevated priority
	StatusEnded       ConversationStatus = "ended"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusTransferred, StatusEscalated, StatusEnded:
		return true
	}
	return false
}

// HandoffState is the routing view of a conversation.
type HandoffState string

// Handoff states
const (
	StateBotHandled  HandoffState = "bot-handled"
	StateTransferred HandoffState = "transferred"
	StateAssigned    HandoffState = "assigned"
	StateEnded       HandoffState = "ended"
)

// PriorityUrgent is applied when a conversation is escalated.
const PriorityUrgent = "urgent"

// Handoff holds the details of a handoff request.
type Handoff struct {
	Reason        string
	Priority      string // low, medium, high, urgent
	RequestedAt   time.Time
	EstimatedWait string
}

// Conversation is a customer conversation as far as routing is concerned.
type Conversation struct {
	ID            string
	TenantID      string
	SessionID     string // widget session the visitor chats from
	Status        ConversationStatus
	AssignedAgent string // empty when no agent has taken it
	Handoff       Handoff
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HandoffState derives where the conversation is in the bot-to-human flow.
// Escalation does not change the state; it only raises priority.
func (c *Conversation) HandoffState() HandoffState {
	switch {
	case c.Status == StatusEnded:
		return StateEnded
	case c.AssignedAgent != "":
		return StateAssigned
	case c.Status == StatusTransferred, c.Status == StatusEscalated:
		return StateTransferred
	default:
		return StateBotHandled
	}
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleAgent     = "agent"
	RoleSystem    = "system"
)

// Message is one chat message within a conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	SenderID       string
	CreatedAt      time.Time
}

// ConversationFilter narrows ListConversations. Zero fields match everything.
type ConversationFilter struct {
	TenantID      string
	Status        ConversationStatus
	AssignedAgent string
	Limit         int
}

// Store defines conversation and message persistence.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	// MarkTransferred records a handoff request. Escalated conversations keep
	// their status. Returns ErrConversationEnded for ended conversations.
	MarkTransferred(ctx context.Context, id string, h Handoff) (*Conversation, error)

	// AssignIfUnassigned sets the assigned agent only if none is set and the
	// conversation is not ended, as a single atomic operation. Concurrent
	// callers race; exactly one wins and the rest get ErrAlreadyAssigned.
	AssignIfUnassigned(ctx context.Context, id, agentID string) (*Conversation, error)

	// Escalate marks the conversation escalated with urgent priority.
	Escalate(ctx context.Context, id, reason string) (*Conversation, error)

	// End closes the conversation. Ending twice returns ErrConversationEnded.
	End(ctx context.Context, id string) (*Conversation, error)

	SaveMessage(ctx context.Context, msg *Message) error
	// ListMessages returns the newest limit messages in chronological order.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}

// resolveMiss maps a conditional update that touched no rows to the right
// error, given the conversation as it is now (nil when it does not exist).
func resolveMiss(c *Conversation) error {
	switch {
	case c == nil:
		return ErrNotFound
	case c.Status == StatusEnded:
		return ErrConversationEnded
	default:
		return ErrAlreadyAssigned
	}
}
