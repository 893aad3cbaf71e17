// ABOUTME: Room identifiers for tenant, agent, and conversation scoped fan-out
// ABOUTME: Builds and parses the hyphen-joined room keys used on the wire

package room

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRoom is returned when a room ID does not match a known kind.
var ErrInvalidRoom = errors.New("invalid room id")

// Kind identifies what a room is scoped to.
type Kind string

// Room kinds
const (
	KindTenant       Kind = "tenant"
	KindAgent        Kind = "agent"
	KindConversation Kind = "conversation"
)

// ID is a room key such as "tenant-acme" or "conversation-42".
type ID string

// New builds a room ID from a kind and the scoped entity id.
func New(kind Kind, id string) ID {
	return ID(string(kind) + "-" + id)
}

// Tenant returns the room all sessions of a tenant share.
func Tenant(tenantID string) ID { return New(KindTenant, tenantID) }

// Agent returns the room a single agent identity listens on.
func Agent(agentID string) ID { return New(KindAgent, agentID) }

// Conversation returns the room of sessions watching a conversation.
func Conversation(conversationID string) ID { return New(KindConversation, conversationID) }

// Parse splits a room ID into its kind and entity id.
// Entity ids may themselves contain hyphens; only the first one separates.
func Parse(id ID) (Kind, string, error) {
	kind, rest, ok := strings.Cut(string(id), "-")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoom, id)
	}
	switch Kind(kind) {
	case KindTenant, KindAgent, KindConversation:
		return Kind(kind), rest, nil
	default:
		return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRoom, kind)
	}
}

// Kind returns the room's kind, or "" when the id is malformed.
func (id ID) Kind() Kind {
	k, _, err := Parse(id)
	if err != nil {
		return ""
	}
	return k
}

func (id ID) String() string { return string(id) }
