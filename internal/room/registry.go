// ABOUTME: In-memory room membership index with best-effort fan-out
// ABOUTME: Sessions join and leave rooms; broadcasts go to a membership snapshot

package room

import (
	"log/slog"
	"sort"
	"sync"
)

// Session is a live connection that can receive events.
// Send must not block; transports queue frames and report a full queue as an error.
type Session interface {
	ID() string
	Send(event string, payload any) error
}

// Registry maps room IDs to the sessions currently joined.
// It is safe for concurrent use by many connection handlers.
type Registry struct {
	mu      sync.RWMutex
	members map[ID]map[string]Session // room -> sessionID -> session
	joined  map[string]map[ID]struct{} // sessionID -> rooms

	// sendMu serializes broadcasts so every member observes per-room FIFO order.
	sendMu sync.Mutex

	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		members: make(map[ID]map[string]Session),
		joined:  make(map[string]map[ID]struct{}),
		logger:  logger.With("component", "rooms"),
	}
}

// Join adds the session to the room. Joining twice is a no-op.
// A session holds at most one agent room: joining a second one leaves the first.
func (r *Registry) Join(s Session, id ID) {
	sessionID := s.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if id.Kind() == KindAgent {
		for other := range r.joined[sessionID] {
			if other != id && other.Kind() == KindAgent {
				r.leaveLocked(sessionID, other)
				r.logger.Debug("session moved between agent rooms",
					"session_id", sessionID, "from", other, "to", id)
			}
		}
	}

	if _, ok := r.members[id]; !ok {
		r.members[id] = make(map[string]Session)
	}
	r.members[id][sessionID] = s

	if _, ok := r.joined[sessionID]; !ok {
		r.joined[sessionID] = make(map[ID]struct{})
	}
	r.joined[sessionID][id] = struct{}{}
}

// Leave removes the session from the room. Leaving a room the session
// never joined is a no-op.
func (r *Registry) Leave(s Session, id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(s.ID(), id)
}

// leaveLocked must be called with mu held.
func (r *Registry) leaveLocked(sessionID string, id ID) {
	if subs, ok := r.members[id]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(r.members, id)
		}
	}
	if rooms, ok := r.joined[sessionID]; ok {
		delete(rooms, id)
		if len(rooms) == 0 {
			delete(r.joined, sessionID)
		}
	}
}

// Remove drops the session from every room it joined and returns those rooms.
// Transports call this when a connection goes away.
func (r *Registry) Remove(sessionID string) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.joined[sessionID]
	left := make([]ID, 0, len(rooms))
	for id := range rooms {
		left = append(left, id)
	}
	for _, id := range left {
		r.leaveLocked(sessionID, id)
	}
	sortIDs(left)
	return left
}

// Broadcast delivers the event to every session in the room except
// excludeSessionID and returns how many sends succeeded. A failed send is
// logged and does not stop delivery to the remaining members.
func (r *Registry) Broadcast(id ID, event string, payload any, excludeSessionID string) int {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.RLock()
	subs := r.members[id]
	targets := make([]Session, 0, len(subs))
	for sid, s := range subs {
		if excludeSessionID != "" && sid == excludeSessionID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Send(event, payload); err != nil {
			r.logger.Warn("delivery failed",
				"room", id,
				"event", event,
				"session_id", s.ID(),
				"error", err)
			continue
		}
		delivered++
	}

	r.logger.Debug("broadcast",
		"room", id,
		"event", event,
		"delivered", delivered,
		"members", len(targets))
	return delivered
}

// Members returns the sorted session IDs joined to the room.
func (r *Registry) Members(id ID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.members[id]))
	for sid := range r.members[id] {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of sessions in the room.
func (r *Registry) Count(id ID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[id])
}

// Has reports whether the session is joined to the room.
func (r *Registry) Has(id ID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id][sessionID]
	return ok
}

// Rooms returns the sorted rooms a session has joined.
func (r *Registry) Rooms(sessionID string) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ID, 0, len(r.joined[sessionID]))
	for id := range r.joined[sessionID] {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
