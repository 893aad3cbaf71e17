// ABOUTME: Mock Store implementation for testing and the memory driver
// ABOUTME: Keeps conversations and messages in maps guarded by a mutex

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	messageIDs    map[string]struct{}
	now           func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageIDs:    make(map[string]struct{}),
		now:           time.Now,
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[c.ID]; ok {
		return ErrDuplicate
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	// Make a copy to avoid external modification
	cp := *c
	m.conversations[c.ID] = &cp
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetConversationBySession returns the newest conversation of a session.
func (m *MockStore) GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Conversation
	for _, c := range m.conversations {
		if c.SessionID != sessionID {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// ListConversations returns matching conversations, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if filter.TenantID != "" && c.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.AssignedAgent != "" && c.AssignedAgent != filter.AssignedAgent {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkTransferred records a handoff.
func (m *MockStore) MarkTransferred(ctx context.Context, id string, h Handoff) (*Conversation, error) {
	return m.update(id, func(c *Conversation) bool {
		if c.Status == StatusEnded {
			return false
		}
		if h.RequestedAt.IsZero() {
			h.RequestedAt = m.now()
		}
		if c.Status != StatusEscalated {
			c.Status = StatusTransferred
		}
		c.Handoff = h
		return true
	})
}

// AssignIfUnassigned assigns agentID under the write lock.
func (m *MockStore) AssignIfUnassigned(ctx context.Context, id, agentID string) (*Conversation, error) {
	return m.update(id, func(c *Conversation) bool {
		if c.AssignedAgent != "" || c.Status == StatusEnded {
			return false
		}
		c.AssignedAgent = agentID
		return true
	})
}

// Escalate marks a conversation escalated.
func (m *MockStore) Escalate(ctx context.Context, id, reason string) (*Conversation, error) {
	return m.update(id, func(c *Conversation) bool {
		if c.Status == StatusEnded {
			return false
		}
		c.Status = StatusEscalated
		c.Handoff.Priority = PriorityUrgent
		if reason != "" {
			c.Handoff.Reason = reason
		}
		return true
	})
}

// End closes a conversation.
func (m *MockStore) End(ctx context.Context, id string) (*Conversation, error) {
	return m.update(id, func(c *Conversation) bool {
		if c.Status == StatusEnded {
			return false
		}
		c.Status = StatusEnded
		return true
	})
}

// update applies fn to the stored conversation; fn reports whether it
// changed anything.
func (m *MockStore) update(id string, fn func(c *Conversation) bool) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !fn(c) {
		cp := *c
		return nil, resolveMiss(&cp)
	}
	c.UpdatedAt = m.now().UTC()
	cp := *c
	return &cp, nil
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.messageIDs[msg.ID]; ok {
		return ErrDuplicate
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}

	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	m.messageIDs[msg.ID] = struct{}{}
	return nil
}

// ListMessages returns the newest limit messages, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[conversationID]
	sorted := make([]*Message, len(all))
	for i, msg := range all {
		cp := *msg
		sorted[i] = &cp
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	if limit = clampLimit(limit); len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted, nil
}

// Close is a no-op for the in-memory store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure both implementations satisfy the interface
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
