// ABOUTME: Notification dispatcher mapping semantic events to target rooms
// ABOUTME: Fire-and-forget fan-out through the room registry with optional broker mirror

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/handoff-gateway/internal/mirror"
	"github.com/2389/handoff-gateway/internal/room"
)

var (
	// ErrUnknownEvent is returned for event names without a targeting rule.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrMissingTarget is returned when the room's entity id is empty.
	ErrMissingTarget = errors.New("missing target id")
)

// mirrorTimeout bounds a single broker publish.
const mirrorTimeout = 2 * time.Second

// Broadcaster is the fan-out primitive the dispatcher relies on.
type Broadcaster interface {
	Broadcast(id room.ID, event string, payload any, excludeSessionID string) int
}

// Dispatcher delivers events to the room their name is bound to.
// Delivery is at-most-once to the sessions present at emit time.
type Dispatcher struct {
	rooms  Broadcaster
	mirror mirror.Publisher
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMirror publishes a copy of every emitted event to p.
func WithMirror(p mirror.Publisher) Option {
	return func(d *Dispatcher) { d.mirror = p }
}

// New creates a dispatcher over rooms. Pass nil logger for default.
func New(rooms Broadcaster, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		rooms:  rooms,
		logger: logger.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Emit sends payload under event to the room derived from targetID and the
// event's rule, skipping excludeSessionID. It returns the number of sessions
// reached.
func (d *Dispatcher) Emit(ctx context.Context, event, targetID string, payload any, excludeSessionID string) (int, error) {
	kind, ok := Target(event)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if targetID == "" {
		return 0, fmt.Errorf("%w for %s", ErrMissingTarget, event)
	}

	id := room.New(kind, targetID)
	n := d.rooms.Broadcast(id, event, payload, excludeSessionID)

	if d.mirror != nil {
		d.publishMirror(ctx, event, id, payload)
	}
	return n, nil
}

// publishMirror never fails the emit; broker trouble is logged only.
func (d *Dispatcher) publishMirror(ctx context.Context, event string, id room.ID, payload any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()

	env := mirror.NewEnvelope(event, id.String(), payload)
	if err := d.mirror.Publish(ctx, mirror.RoutingKey(event), env); err != nil {
		d.logger.Warn("mirror publish failed", "event", event, "room", id, "error", err)
	}
}

// AgentStatus tells a tenant that an agent went online or offline.
func (d *Dispatcher) AgentStatus(ctx context.Context, tenantID string, status AgentStatus, excludeSessionID string) (int, error) {
	return d.Emit(ctx, EventAgentStatus, tenantID, status, excludeSessionID)
}

// NewHandoff announces a pending handoff to every session of the tenant.
func (d *Dispatcher) NewHandoff(ctx context.Context, h NewHandoff, excludeSessionID string) (int, error) {
	return d.Emit(ctx, EventNewHandoff, h.TenantID, h, excludeSessionID)
}

// HandoffQueued tells a tenant that a handoff is waiting with no agent online.
func (d *Dispatcher) HandoffQueued(ctx context.Context, tenantID string, q HandoffQueued) (int, error) {
	return d.Emit(ctx, EventHandoffQueued, tenantID, q, "")
}

// HandoffRequest asks one agent directly to take a conversation.
func (d *Dispatcher) HandoffRequest(ctx context.Context, r HandoffRequest) (int, error) {
	return d.Emit(ctx, EventHandoffRequest, r.AgentID, r, "")
}

// HandoffAccepted tells conversation watchers which agent took it.
func (d *Dispatcher) HandoffAccepted(ctx context.Context, a HandoffAccepted) (int, error) {
	return d.Emit(ctx, EventHandoffAccepted, a.ConversationID, a, "")
}

// NewMessage forwards a chat message to the conversation's watchers.
func (d *Dispatcher) NewMessage(ctx context.Context, conversationID string, message any, excludeSessionID string) (int, error) {
	return d.Emit(ctx, EventNewMessage, conversationID, message, excludeSessionID)
}

// ConversationEscalated flags a conversation to the tenant.
func (d *Dispatcher) ConversationEscalated(ctx context.Context, tenantID string, e ConversationEscalated) (int, error) {
	return d.Emit(ctx, EventConversationEscalated, tenantID, e, "")
}

// ConversationEnded tells watchers the conversation is closed.
func (d *Dispatcher) ConversationEnded(ctx context.Context, e ConversationEnded) (int, error) {
	return d.Emit(ctx, EventConversationEnded, e.ConversationID, e, "")
}
