// ABOUTME: Inbound socket event handlers for rooms, presence, chat and handoffs
// ABOUTME: Rejected events are answered with an error frame, never by dropping the socket

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/handoff-gateway/internal/handoff"
	"github.com/2389/handoff-gateway/internal/room"
)

// Client-to-server event names.
const (
	EventJoinTenant          = "join-tenant"
	EventAgentOnline         = "agent-online"
	EventAgentOffline        = "agent-offline"
	EventJoinConversation    = "join-conversation"
	EventLeaveConversation   = "leave-conversation"
	EventChatMessage         = "chat-message"
	EventHandoffNotification = "handoff-notification"

	// EventError is sent back for a rejected inbound event.
	EventError = "error"
)

var (
	errRateLimited  = errors.New("rate limit exceeded")
	errForbidden    = errors.New("not permitted")
	errBadPayload   = errors.New("malformed payload")
	errUnknownEvent = errors.New("unknown event")
)

// errorPayload is the data of an error frame.
type errorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// agentPresence is the data of agent-online and agent-offline.
type agentPresence struct {
	AgentID  string `json:"agentId"`
	TenantID string `json:"tenantId"`
}

// handleEvent runs one inbound event. Errors go back to the sender.
func (g *Gateway) handleEvent(ctx context.Context, s *socketSession, f Frame) {
	var err error
	switch f.Event {
	case EventJoinTenant:
		err = g.onJoinTenant(s, f.Data)
	case EventAgentOnline:
		err = g.onAgentPresence(ctx, s, f.Data, true)
	case EventAgentOffline:
		err = g.onAgentPresence(ctx, s, f.Data, false)
	case EventJoinConversation:
		err = g.onConversationMembership(ctx, s, f.Data, true)
	case EventLeaveConversation:
		err = g.onConversationMembership(ctx, s, f.Data, false)
	case EventChatMessage:
		err = g.onChatMessage(ctx, s, f.Data)
	case EventHandoffNotification:
		err = g.onHandoffNotification(ctx, s, f.Data)
	default:
		err = fmt.Errorf("%w: %q", errUnknownEvent, f.Event)
	}

	if err != nil {
		s.logger.Debug("inbound event rejected", "event", f.Event, "error", err)
		s.sendError(f.Event, err)
	}
}

// decodeID accepts a bare JSON string id, or an object carrying it under key.
func decodeID(data json.RawMessage, key string) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		if id == "" {
			return "", fmt.Errorf("%w: empty id", errBadPayload)
		}
		return id, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("%w: expected a string id", errBadPayload)
	}
	if err := json.Unmarshal(obj[key], &id); err != nil || id == "" {
		return "", fmt.Errorf("%w: %s is required", errBadPayload, key)
	}
	return id, nil
}

func (g *Gateway) onJoinTenant(s *socketSession, data json.RawMessage) error {
	tenantID, err := decodeID(data, "tenantId")
	if err != nil {
		return err
	}
	if s.identity != nil && !s.identity.CanJoinTenant(tenantID) {
		return errForbidden
	}
	g.rooms.Join(s, room.Tenant(tenantID))
	return nil
}

func (g *Gateway) onAgentPresence(ctx context.Context, s *socketSession, data json.RawMessage, online bool) error {
	var p agentPresence
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if p.AgentID == "" || p.TenantID == "" {
		return fmt.Errorf("%w: agentId and tenantId are required", errBadPayload)
	}
	if s.identity != nil && (!s.identity.CanActAsAgent(p.AgentID) || !s.identity.CanJoinTenant(p.TenantID)) {
		return errForbidden
	}

	if online {
		g.presence.SetOnline(ctx, s, p.AgentID, p.TenantID)
	} else {
		g.presence.SetOffline(ctx, s, p.AgentID, p.TenantID)
	}
	return nil
}

// onConversationMembership joins or leaves a conversation room. With auth on,
// joining requires the conversation to belong to the caller's tenant.
func (g *Gateway) onConversationMembership(ctx context.Context, s *socketSession, data json.RawMessage, join bool) error {
	conversationID, err := decodeID(data, "conversationId")
	if err != nil {
		return err
	}

	if !join {
		g.rooms.Leave(s, room.Conversation(conversationID))
		return nil
	}

	if s.identity != nil {
		conv, err := g.backend.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if !s.identity.CanJoinTenant(conv.TenantID) {
			return errForbidden
		}
	}
	g.rooms.Join(s, room.Conversation(conversationID))
	return nil
}

// onChatMessage relays the message untouched to everyone else in the
// conversation room. Replays of an already relayed message id are dropped
// silently.
func (g *Gateway) onChatMessage(ctx context.Context, s *socketSession, data json.RawMessage) error {
	var head struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if s.identity != nil && !g.rooms.Has(room.Conversation(head.ConversationID), s.id) {
		return errForbidden
	}

	_, err := g.handoff.RelayMessage(ctx, head.ConversationID, data, s.id)
	if errors.Is(err, handoff.ErrDuplicateMessage) {
		return nil
	}
	return err
}

// onHandoffNotification announces a handoff to the rest of the tenant.
// Fields other than the well-known ones are forwarded as given.
func (g *Gateway) onHandoffNotification(ctx context.Context, s *socketSession, data json.RawMessage) error {
	req, err := decodeHandoffRequest(data)
	if err != nil {
		return err
	}
	if s.identity != nil && !s.identity.CanJoinTenant(req.TenantID) {
		return errForbidden
	}

	_, err = g.handoff.RequestHandoff(ctx, req, s.id)
	return err
}

// decodeHandoffRequest splits a handoff payload into the known fields and
// the pass-through extras.
func decodeHandoffRequest(data json.RawMessage) (handoff.Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return handoff.Request{}, fmt.Errorf("%w: expected an object", errBadPayload)
	}

	var req handoff.Request
	known := []struct {
		key string
		dst *string
	}{
		{"conversationId", &req.ConversationID},
		{"tenantId", &req.TenantID},
		{"reason", &req.Reason},
		{"priority", &req.Priority},
	}
	for _, k := range known {
		raw, ok := fields[k.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, k.dst); err != nil {
			return handoff.Request{}, fmt.Errorf("%w: %s must be a string", errBadPayload, k.key)
		}
		delete(fields, k.key)
	}

	if raw, ok := fields["requestedAt"]; ok {
		var at time.Time
		if err := json.Unmarshal(raw, &at); err == nil {
			req.RequestedAt = at
		}
		delete(fields, "requestedAt")
	}

	if len(fields) > 0 {
		req.Extra = fields
	}
	return req, nil
}
