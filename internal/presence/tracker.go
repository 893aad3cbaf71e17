// ABOUTME: Tracks agent online/offline state per tenant and announces transitions
// ABOUTME: Optionally expires presence after a grace period when a session drops

package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/handoff-gateway/internal/dispatch"
	"github.com/2389/handoff-gateway/internal/room"
)

// Status is an agent's presence state.
type Status string

// Presence states
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Entry is the recorded presence of one agent.
type Entry struct {
	AgentID   string
	TenantID  string
	Status    Status
	SessionID string
	UpdatedAt time.Time
}

// Rooms is the part of the room registry the tracker uses.
type Rooms interface {
	Join(s room.Session, id room.ID)
	Leave(s room.Session, id room.ID)
	Count(id room.ID) int
}

// Announcer broadcasts agent-status events.
type Announcer interface {
	AgentStatus(ctx context.Context, tenantID string, status dispatch.AgentStatus, excludeSessionID string) (int, error)
}

// Tracker records which agents are online in each tenant.
//
// The tracker does not deduplicate: each SetOnline/SetOffline call produces
// exactly one broadcast. Callers signal real transitions.
type Tracker struct {
	rooms    Rooms
	announce Announcer
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry      // agentID -> entry
	expiry  map[string]*time.Timer // agentID -> pending grace expiry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithOfflineGrace makes SessionClosed expire the agents of the closed
// session after d unless they come back online first. Zero disables expiry.
func WithOfflineGrace(d time.Duration) Option {
	return func(t *Tracker) { t.grace = d }
}

// New creates a tracker. Pass nil logger for default.
func New(rooms Rooms, announce Announcer, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		rooms:    rooms,
		announce: announce,
		logger:   logger.With("component", "presence"),
		now:      time.Now,
		entries:  make(map[string]*Entry),
		expiry:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetOnline joins the session to the agent's room, records the agent as
// online, and tells the rest of the tenant. The originating session is
// excluded from the broadcast.
//
// A session holds at most one agent room, so announcing a second agent on
// the same session takes the first one offline unless another session still
// serves it.
func (t *Tracker) SetOnline(ctx context.Context, s room.Session, agentID, tenantID string) {
	t.rooms.Join(s, room.Agent(agentID))

	t.mu.Lock()
	var displaced []Entry
	for id, e := range t.entries {
		if id == agentID || e.SessionID != s.ID() || t.rooms.Count(room.Agent(id)) > 0 {
			continue
		}
		t.cancelExpiryLocked(id)
		delete(t.entries, id)
		displaced = append(displaced, *e)
	}
	t.cancelExpiryLocked(agentID)
	t.entries[agentID] = &Entry{
		AgentID:   agentID,
		TenantID:  tenantID,
		Status:    StatusOnline,
		SessionID: s.ID(),
		UpdatedAt: t.now(),
	}
	t.mu.Unlock()

	for _, e := range displaced {
		t.broadcast(ctx, e.AgentID, e.TenantID, StatusOffline, s.ID())
		t.logger.Info("agent replaced on session", "agent_id", e.AgentID, "by", agentID, "session_id", s.ID())
	}
	t.broadcast(ctx, agentID, tenantID, StatusOnline, s.ID())
	t.logger.Info("agent online", "agent_id", agentID, "tenant_id", tenantID, "session_id", s.ID())
}

// SetOffline leaves the agent's room, forgets the agent, and tells the rest
// of the tenant. When the agent is currently bound to a different session,
// only this session's membership is dropped and nothing is announced.
func (t *Tracker) SetOffline(ctx context.Context, s room.Session, agentID, tenantID string) {
	t.rooms.Leave(s, room.Agent(agentID))

	t.mu.Lock()
	if e, ok := t.entries[agentID]; ok && e.SessionID != s.ID() {
		t.mu.Unlock()
		t.logger.Debug("ignoring offline from stale session",
			"agent_id", agentID, "session_id", s.ID(), "bound_session_id", e.SessionID)
		return
	}
	t.cancelExpiryLocked(agentID)
	delete(t.entries, agentID)
	t.mu.Unlock()

	t.broadcast(ctx, agentID, tenantID, StatusOffline, s.ID())
	t.logger.Info("agent offline", "agent_id", agentID, "tenant_id", tenantID, "session_id", s.ID())
}

// SessionClosed is called by the transport after a connection is gone.
// Without a grace period the agent stays online until an explicit
// SetOffline, matching clients that only announce offline on purpose.
func (t *Tracker) SessionClosed(sessionID string) {
	if t.grace <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for agentID, e := range t.entries {
		if e.SessionID != sessionID {
			continue
		}
		t.cancelExpiryLocked(agentID)
		t.expiry[agentID] = time.AfterFunc(t.grace, func() {
			t.expire(agentID, sessionID)
		})
		t.logger.Debug("presence expiry scheduled",
			"agent_id", agentID,
			"session_id", sessionID,
			"grace", t.grace)
	}
}

// expire drops the agent if it is still bound to the closed session.
func (t *Tracker) expire(agentID, sessionID string) {
	t.mu.Lock()
	e, ok := t.entries[agentID]
	if !ok || e.SessionID != sessionID {
		t.mu.Unlock()
		return
	}
	delete(t.entries, agentID)
	delete(t.expiry, agentID)
	tenantID := e.TenantID
	t.mu.Unlock()

	t.broadcast(context.Background(), agentID, tenantID, StatusOffline, "")
	t.logger.Info("agent presence expired", "agent_id", agentID, "tenant_id", tenantID)
}

// cancelExpiryLocked must be called with mu held.
func (t *Tracker) cancelExpiryLocked(agentID string) {
	if timer, ok := t.expiry[agentID]; ok {
		timer.Stop()
		delete(t.expiry, agentID)
	}
}

func (t *Tracker) broadcast(ctx context.Context, agentID, tenantID string, status Status, exclude string) {
	_, err := t.announce.AgentStatus(ctx, tenantID, dispatch.AgentStatus{
		AgentID: agentID,
		Status:  string(status),
	}, exclude)
	if err != nil {
		t.logger.Warn("agent-status broadcast failed", "agent_id", agentID, "error", err)
	}
}

// Get returns the agent's entry. Agents never seen or gone offline report
// StatusOffline with ok=false.
func (t *Tracker) Get(agentID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[agentID]
	if !ok {
		return Entry{AgentID: agentID, Status: StatusOffline}, false
	}
	return *e, true
}

// Online returns the online agents of a tenant sorted by agent id.
func (t *Tracker) Online(tenantID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	for _, e := range t.entries {
		if e.TenantID == tenantID && e.Status == StatusOnline {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// OnlineCount returns how many agents of the tenant are online.
func (t *Tracker) OnlineCount(tenantID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.TenantID == tenantID && e.Status == StatusOnline {
			n++
		}
	}
	return n
}

// Close stops pending expiry timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for agentID, timer := range t.expiry {
		timer.Stop()
		delete(t.expiry, agentID)
	}
}
