// ABOUTME: Handoff coordinator owning bot-to-agent transition notifications
// ABOUTME: Persists through the conversation store first, then fans out via the dispatcher

package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/dispatch"
	"github.com/2389/handoff-gateway/internal/store"
	"github.com/2389/handoff-gateway/internal/telemetry"
)

var (
	// ErrConversationEnded is returned for any transition after the end.
	// It is the store sentinel so callers can test either.
	ErrConversationEnded = store.ErrConversationEnded

	// ErrInvalidRequest is returned when a required id is missing.
	ErrInvalidRequest = errors.New("invalid handoff request")

	// ErrInvalidPriority is returned for priorities outside low/medium/high/urgent.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrDuplicateMessage is returned when a message id was already relayed.
	ErrDuplicateMessage = errors.New("duplicate message")
)

// Defaults applied when a request leaves the field empty.
const (
	DefaultPriority      = "medium"
	DefaultEstimatedWait = "5 minutes"
)

// endedMemory is how long an ended conversation id is remembered locally.
const endedMemory = 24 * time.Hour

var priorities = map[string]bool{
	"low":                true,
	"medium":             true,
	"high":               true,
	store.PriorityUrgent: true,
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	return priorities[p]
}

// NormalizePriority lowercases and trims p so "High " and "high" compare equal.
func NormalizePriority(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// Notifier is the subset of the dispatcher the coordinator emits through.
type Notifier interface {
	NewHandoff(ctx context.Context, h dispatch.NewHandoff, excludeSessionID string) (int, error)
	HandoffQueued(ctx context.Context, tenantID string, q dispatch.HandoffQueued) (int, error)
	HandoffRequest(ctx context.Context, r dispatch.HandoffRequest) (int, error)
	HandoffAccepted(ctx context.Context, a dispatch.HandoffAccepted) (int, error)
	NewMessage(ctx context.Context, conversationID string, message any, excludeSessionID string) (int, error)
	ConversationEscalated(ctx context.Context, tenantID string, e dispatch.ConversationEscalated) (int, error)
	ConversationEnded(ctx context.Context, e dispatch.ConversationEnded) (int, error)
}

// Presence reports how many agents of a tenant are online.
type Presence interface {
	OnlineCount(tenantID string) int
}

// Conversations is the storage collaborator. AssignIfUnassigned must be
// atomic; it is the only thing that decides who wins an accept race.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AssignIfUnassigned(ctx context.Context, id, agentID string) (*store.Conversation, error)
	Escalate(ctx context.Context, id, reason string) (*store.Conversation, error)
	End(ctx context.Context, id string) (*store.Conversation, error)
}

// Request describes a handoff announced to a tenant.
type Request struct {
	ConversationID string
	TenantID       string
	Reason         string
	Priority       string
	RequestedAt    time.Time
	// Extra fields are forwarded to listeners untouched.
	Extra map[string]json.RawMessage
}

// Coordinator is the single authority over handoff notifications.
type Coordinator struct {
	notify        Notifier
	presence      Presence
	conversations Conversations
	seen          *dedupe.Cache
	ended         *dedupe.Cache

	defaultPriority string
	defaultWait     string
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDefaultPriority sets the priority used when a request has none.
func WithDefaultPriority(p string) Option {
	return func(c *Coordinator) {
		if p != "" {
			c.defaultPriority = p
		}
	}
}

// WithDefaultEstimatedWait sets the wait announced when none is given.
func WithDefaultEstimatedWait(w string) Option {
	return func(c *Coordinator) {
		if w != "" {
			c.defaultWait = w
		}
	}
}

// WithMessageDedupe drops relayed messages whose id is already in cache.
func WithMessageDedupe(cache *dedupe.Cache) Option {
	return func(c *Coordinator) { c.seen = cache }
}

// New creates a coordinator. Pass nil logger for default.
func New(notify Notifier, presence Presence, conversations Conversations, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		notify:          notify,
		presence:        presence,
		conversations:   conversations,
		ended:           dedupe.New(endedMemory, dedupe.DefaultMaxSize),
		defaultPriority: DefaultPriority,
		defaultWait:     DefaultEstimatedWait,
		logger:          logger.With("component", "handoff"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the coordinator's caches. The message dedupe cache passed
// in by the caller is left alone.
func (c *Coordinator) Close() {
	c.ended.Close()
}

// RequestHandoff announces a pending handoff to every session of the tenant
// except excludeSessionID. The conversation is expected to be persisted as
// transferred already; this only notifies.
func (c *Coordinator) RequestHandoff(ctx context.Context, req Request, excludeSessionID string) (n int, err error) {
	ctx, span := telemetry.StartSpan(ctx, "handoff.request",
		telemetry.String("conversation.id", req.ConversationID),
		telemetry.String("tenant.id", req.TenantID))
	defer func() { telemetry.End(span, err) }()

	if req.ConversationID == "" || req.TenantID == "" {
		return 0, fmt.Errorf("%w: conversationId and tenantId are required", ErrInvalidRequest)
	}
	priority, err := c.priority(req.Priority)
	if err != nil {
		return 0, err
	}
	if err := c.checkOpen(req.ConversationID); err != nil {
		return 0, err
	}

	requestedAt := req.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = c.now()
	}

	n, err = c.notify.NewHandoff(ctx, dispatch.NewHandoff{
		ConversationID: req.ConversationID,
		TenantID:       req.TenantID,
		Reason:         req.Reason,
		Priority:       priority,
		RequestedAt:    requestedAt,
		Extra:          req.Extra,
	}, excludeSessionID)
	if err != nil {
		return 0, err
	}

	c.logger.Info("handoff requested",
		"conversation_id", req.ConversationID,
		"tenant_id", req.TenantID,
		"priority", priority,
		"recipients", n)
	return n, nil
}

// QueueHandoff tells the tenant a handoff is waiting, but only when no agent
// of the tenant is online. It reports whether the event was emitted.
func (c *Coordinator) QueueHandoff(ctx context.Context, conversationID, tenantID, estimatedWait string) (queued bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "handoff.queue",
		telemetry.String("conversation.id", conversationID),
		telemetry.String("tenant.id", tenantID))
	defer func() { telemetry.End(span, err) }()

	if conversationID == "" || tenantID == "" {
		return false, fmt.Errorf("%w: conversationId and tenantId are required", ErrInvalidRequest)
	}
	if err := c.checkOpen(conversationID); err != nil {
		return false, err
	}

	if online := c.presence.OnlineCount(tenantID); online > 0 {
		c.logger.Debug("handoff not queued, agents online",
			"conversation_id", conversationID,
			"tenant_id", tenantID,
			"online", online)
		return false, nil
	}

	if estimatedWait == "" {
		estimatedWait = c.defaultWait
	}
	if _, err := c.notify.HandoffQueued(ctx, tenantID, dispatch.HandoffQueued{
		ConversationID: conversationID,
		EstimatedWait:  estimatedWait,
	}); err != nil {
		return false, err
	}

	c.logger.Info("handoff queued",
		"conversation_id", conversationID,
		"tenant_id", tenantID,
		"estimated_wait", estimatedWait)
	return true, nil
}

// RequestDirect asks one agent to take a conversation by notifying the
// agent's room only.
func (c *Coordinator) RequestDirect(ctx context.Context, conversationID, agentID, reason string) (n int, err error) {
	ctx, span := telemetry.StartSpan(ctx, "handoff.request_direct",
		telemetry.String("conversation.id", conversationID),
		telemetry.String("agent.id", agentID))
	defer func() { telemetry.End(span, err) }()

	if conversationID == "" || agentID == "" {
		return 0, fmt.Errorf("%w: conversationId and agentId are required", ErrInvalidRequest)
	}
	if err := c.checkOpen(conversationID); err != nil {
		return 0, err
	}

	return c.notify.HandoffRequest(ctx, dispatch.HandoffRequest{
		ConversationID: conversationID,
		AgentID:        agentID,
		Reason:         reason,
		RequestedAt:    c.now(),
	})
}

// AcceptHandoff assigns agentID through the store's atomic
// assign-if-unassigned and, only when that succeeds, tells everyone watching
// the conversation. Losers of an accept race get store.ErrAlreadyAssigned and
// nothing is broadcast.
func (c *Coordinator) AcceptHandoff(ctx context.Context, conversationID, agentID string) (conv *store.Conversation, err error) {
	ctx, span := telemetry.StartSpan(ctx, "handoff.accept",
		telemetry.String("conversation.id", conversationID),
		telemetry.String("agent.id", agentID))
	defer func() { telemetry.End(span, err) }()

	if conversationID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: conversationId and agentId are required", ErrInvalidRequest)
	}
	if err := c.checkOpen(conversationID); err != nil {
		return nil, err
	}

	conv, err = c.conversations.AssignIfUnassigned(ctx, conversationID, agentID)
	if err != nil {
		c.noteEnded(conversationID, err)
		c.logger.Info("handoff accept rejected",
			"conversation_id", conversationID,
			"agent_id", agentID,
			"error", err)
		return nil, fmt.Errorf("accepting %s: %w", conversationID, err)
	}

	if _, err := c.notify.HandoffAccepted(ctx, dispatch.HandoffAccepted{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		AgentID:        conv.AssignedAgent,
		Status:         string(conv.HandoffState()),
		AssignedAt:     c.now(),
	}); err != nil {
		c.logger.Warn("handoff-accepted broadcast failed", "conversation_id", conversationID, "error", err)
	}

	c.logger.Info("handoff accepted", "conversation_id", conversationID, "agent_id", agentID)
	return conv, nil
}

// RelayMessage forwards message to the conversation room, skipping the
// sender. Messages are forwarded immediately in call order. A message whose
// "id" or "messageId" was relayed within the dedupe window returns
// ErrDuplicateMessage and is not forwarded.
func (c *Coordinator) RelayMessage(ctx context.Context, conversationID string, message json.RawMessage, excludeSessionID string) (n int, err error) {
	ctx, span := telemetry.StartSpan(ctx, "handoff.relay",
		telemetry.String("conversation.id", conversationID))
	defer func() { telemetry.End(span, err) }()

	if conversationID == "" {
		return 0, fmt.Errorf("%w: conversationId is required", ErrInvalidRequest)
	}
	if err := c.checkOpen(conversationID); err != nil {
		return 0, err
	}

	if c.seen != nil {
		if id := messageID(message); id != "" && c.seen.CheckAndMark(dedupe.Key(conversationID, id)) {
			c.logger.Debug("duplicate message dropped", "conversation_id", conversationID, "message_id", id)
			return 0, ErrDuplicateMessage
		}
	}

	return c.notify.NewMessage(ctx, conversationID, message, excludeSessionID)
}

// Escalate raises the conversation to urgent and flags it to its tenant.
func (c *Coordinator) Escalate(ctx context.Context, conversationID, reason string) (conv *store.Conversation, err error) {
	ctx, span := telemetry.StartSpan(ctx, "handoff.escalate",
		telemetry.String("conversation.id", conversationID))
	defer func() { telemetry.End(span, err) }()

	if err := c.checkOpen(conversationID); err != nil {
		return nil, err
	}

	conv, err = c.conversations.Escalate(ctx, conversationID, reason)
	if err != nil {
		c.noteEnded(conversationID, err)
		return nil, fmt.Errorf("escalating %s: %w", conversationID, err)
	}

	if _, err := c.notify.ConversationEscalated(ctx, conv.TenantID, dispatch.ConversationEscalated{
		ConversationID: conv.ID,
		Reason:         conv.Handoff.Reason,
		Priority:       conv.Handoff.Priority,
		EscalatedAt:    c.now(),
	}); err != nil {
		c.logger.Warn("conversation-escalated broadcast failed", "conversation_id", conversationID, "error", err)
	}

	c.logger.Info("conversation escalated", "conversation_id", conversationID, "tenant_id", conv.TenantID)
	return conv, nil
}

// EndConversation closes the conversation. Every later transition for the
// same id returns ErrConversationEnded.
func (c *Coordinator) EndConversation(ctx context.Context, conversationID string) (conv *store.Conversation, err error) {
	ctx, span := telemetry.StartSpan(ctx, "handoff.end",
		telemetry.String("conversation.id", conversationID))
	defer func() { telemetry.End(span, err) }()

	if err := c.checkOpen(conversationID); err != nil {
		return nil, err
	}

	conv, err = c.conversations.End(ctx, conversationID)
	if err != nil {
		c.noteEnded(conversationID, err)
		return nil, fmt.Errorf("ending %s: %w", conversationID, err)
	}
	c.ended.CheckAndMark(conversationID)

	if _, err := c.notify.ConversationEnded(ctx, dispatch.ConversationEnded{
		ConversationID: conversationID,
		EndedAt:        c.now(),
	}); err != nil {
		c.logger.Warn("conversation-ended broadcast failed", "conversation_id", conversationID, "error", err)
	}

	c.logger.Info("conversation ended", "conversation_id", conversationID)
	return conv, nil
}

// State returns the conversation's handoff state as the store sees it.
func (c *Coordinator) State(ctx context.Context, conversationID string) (store.HandoffState, error) {
	conv, err := c.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if conv.HandoffState() == store.StateEnded {
		c.ended.CheckAndMark(conversationID)
	}
	return conv.HandoffState(), nil
}

func (c *Coordinator) priority(p string) (string, error) {
	p = NormalizePriority(p)
	if p == "" {
		return c.defaultPriority, nil
	}
	if !ValidPriority(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, p)
	}
	return p, nil
}

func (c *Coordinator) checkOpen(conversationID string) error {
	if c.ended.Seen(conversationID) {
		return fmt.Errorf("%s: %w", conversationID, ErrConversationEnded)
	}
	return nil
}

func (c *Coordinator) noteEnded(conversationID string, err error) {
	if errors.Is(err, store.ErrConversationEnded) {
		c.ended.CheckAndMark(conversationID)
	}
}

// messageID pulls "id" or "messageId" from a JSON object message.
func messageID(message json.RawMessage) string {
	var ids struct {
		ID        string `json:"id"`
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(message, &ids); err != nil {
		return ""
	}
	if ids.ID != "" {
		return ids.ID
	}
	return ids.MessageID
}
