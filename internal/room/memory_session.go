// ABOUTME: In-memory Session implementation for tests and local tooling
// ABOUTME: Records every delivered event in order and can simulate send failures

package room

import (
	"errors"
	"sync"
)

// ErrSessionClosed is returned by MemorySession.Send after Close.
var ErrSessionClosed = errors.New("session closed")

// Delivery is one event received by a MemorySession.
type Delivery struct {
	Event   string
	Payload any
}

// MemorySession is a Session that keeps delivered events in memory.
type MemorySession struct {
	id string

	mu         sync.Mutex
	deliveries []Delivery
	failWith   error
	closed     bool
}

// NewMemorySession creates a session with the given id.
func NewMemorySession(id string) *MemorySession {
	return &MemorySession{id: id}
}

// ID returns the session id.
func (m *MemorySession) ID() string { return m.id }

// Send records the event, or returns the configured failure.
func (m *MemorySession) Send(event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSessionClosed
	}
	if m.failWith != nil {
		return m.failWith
	}
	m.deliveries = append(m.deliveries, Delivery{Event: event, Payload: payload})
	return nil
}

// FailWith makes subsequent sends return err. Pass nil to recover.
func (m *MemorySession) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Close makes subsequent sends fail with ErrSessionClosed.
func (m *MemorySession) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Deliveries returns a copy of everything received so far.
func (m *MemorySession) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.deliveries))
	copy(out, m.deliveries)
	return out
}

// Events returns only the received deliveries with the given event name.
func (m *MemorySession) Events(event string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	for _, d := range m.deliveries {
		if d.Event == event {
			out = append(out, d)
		}
	}
	return out
}

// Reset discards recorded deliveries.
func (m *MemorySession) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = nil
}
