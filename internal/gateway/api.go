// ABOUTME: REST handlers for handoff requests, agent accept/message, and presence
// ABOUTME: Every transition persists through the backend before anything is broadcast

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/chatapi"
	"github.com/2389/handoff-gateway/internal/handoff"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/store"
)

// maxBodySize bounds REST request bodies.
const maxBodySize = 1 << 20

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	SessionID     string          `json:"sessionId,omitempty"`
	Status        string          `json:"status"`
	HandoffState  string          `json:"handoffState"`
	AssignedAgent *string         `json:"assignedAgent"`
	Handoff       HandoffResponse `json:"handoffData"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// HandoffResponse is the JSON form of a conversation's handoff details.
type HandoffResponse struct {
	Reason        string     `json:"reason,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	RequestedAt   *time.Time `json:"requestedAt,omitempty"`
	EstimatedWait string     `json:"estimatedWait,omitempty"`
}

// MessageResponse is the JSON form of a chat message.
type MessageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	SenderID       string    `json:"senderId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PresenceEntryResponse is one online agent.
type PresenceEntryResponse struct {
	AgentID string    `json:"agentId"`
	Status  string    `json:"status"`
	Since   time.Time `json:"since"`
}

// TeamAgentResponse is one team agent with its tracked status.
type TeamAgentResponse struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Status  string `json:"status"`
}

// PresenceResponse is the JSON response for GET /api/presence/{tenantId}.
// Agents is only filled when the team roster is known.
type PresenceResponse struct {
	TenantID string                  `json:"tenantId"`
	Count    int                     `json:"count"`
	Online   []PresenceEntryResponse `json:"online"`
	Agents   []TeamAgentResponse     `json:"agents,omitempty"`
}

// ConversationListResponse is the JSON response for GET /api/chat/conversations.
type ConversationListResponse struct {
	Conversations []*ConversationResponse `json:"conversations"`
	Count         int                     `json:"count"`
}

// handoffBody is POST /api/handoff after splitting known fields from extras.
type handoffBody struct {
	ConversationID string
	TenantID       string
	Reason         string
	Priority       string
	EstimatedWait  string
	RequestedAt    time.Time
	Extra          map[string]json.RawMessage
}

// HandoffResult is the JSON response for POST /api/handoff.
type HandoffResult struct {
	Success      bool                  `json:"success"`
	Conversation *ConversationResponse `json:"conversation"`
	Notified     int                   `json:"notified"`
	Queued       bool                  `json:"queued"`
}

// DirectHandoffBody is the JSON body for POST /api/handoff/direct.
type DirectHandoffBody struct {
	ConversationID string `json:"conversationId"`
	AgentID        string `json:"agentId"`
	Reason         string `json:"reason"`
}

// AgentAcceptBody is the JSON body for POST /api/chat/{id}/agent-accept.
type AgentAcceptBody struct {
	AgentID string `json:"agentId"`
}

// AgentMessageBody is the JSON body for POST /api/chat/{id}/agent-message.
type AgentMessageBody struct {
	AgentID string `json:"agentId"`
	Content string `json:"content"`
}

// EscalateBody is the JSON body for POST /api/chat/{id}/escalate.
type EscalateBody struct {
	Reason string `json:"reason"`
}

func toConversationResponse(c *store.Conversation) *ConversationResponse {
	resp := &ConversationResponse{
		ID:           c.ID,
		TenantID:     c.TenantID,
		SessionID:    c.SessionID,
		Status:       string(c.Status),
		HandoffState: string(c.HandoffState()),
		Handoff: HandoffResponse{
			Reason:        c.Handoff.Reason,
			Priority:      c.Handoff.Priority,
			EstimatedWait: c.Handoff.EstimatedWait,
		},
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.AssignedAgent != "" {
		agent := c.AssignedAgent
		resp.AssignedAgent = &agent
	}
	if !c.Handoff.RequestedAt.IsZero() {
		at := c.Handoff.RequestedAt
		resp.Handoff.RequestedAt = &at
	}
	return resp
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		SenderID:       m.SenderID,
		Timestamp:      m.CreatedAt,
	}
}

// sendJSON writes v with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyAssigned):
		return http.StatusConflict
	case errors.Is(err, store.ErrConversationEnded):
		return http.StatusGone
	case errors.Is(err, handoff.ErrInvalidRequest), errors.Is(err, handoff.ErrInvalidPriority):
		return http.StatusBadRequest
	case errors.Is(err, errForbidden), errors.Is(err, chatapi.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chatapi.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendDomainError answers err with its mapped status. Server-side failures
// are logged and hidden from the caller.
func (g *Gateway) sendDomainError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error(op+" failed", "error", err)
		if status == http.StatusInternalServerError {
			g.sendJSONError(w, status, "internal server error")
			return
		}
	}
	g.sendJSONError(w, status, err.Error())
}

// decodeBody decodes a bounded JSON body into v. An empty body leaves v as is.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// authorizeConversation loads the conversation and, with auth on, checks it
// belongs to the caller's tenant.
func (g *Gateway) authorizeConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := g.backend.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if ident := auth.FromContext(ctx); ident != nil && !ident.CanJoinTenant(conv.TenantID) {
		return nil, errForbidden
	}
	return conv, nil
}

// agentFor resolves which agent a request acts as. Agent tokens default to
// their own subject and may not act for anyone else.
func agentFor(ctx context.Context, requested string) (string, error) {
	ident := auth.FromContext(ctx)
	if ident == nil {
		return requested, nil
	}
	if requested == "" && ident.Role == auth.RoleAgent {
		requested = ident.Subject
	}
	if !ident.CanActAsAgent(requested) {
		return "", errForbidden
	}
	return requested, nil
}

// decodeHandoffBody reads POST /api/handoff, keeping unknown fields as extras.
func decodeHandoffBody(r *http.Request) (*handoffBody, error) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil || len(raw) == 0 {
		return nil, errBadPayload
	}
	req, err := decodeHandoffRequest(raw)
	if err != nil {
		return nil, err
	}

	body := &handoffBody{
		ConversationID: req.ConversationID,
		TenantID:       req.TenantID,
		Reason:         req.Reason,
		Priority:       req.Priority,
		RequestedAt:    req.RequestedAt,
		Extra:          req.Extra,
	}
	if w, ok := body.Extra["estimatedWait"]; ok {
		if err := json.Unmarshal(w, &body.EstimatedWait); err != nil {
			return nil, errBadPayload
		}
		delete(body.Extra, "estimatedWait")
	}
	return body, nil
}

// handleHandoff handles POST /api/handoff.
// The conversation is persisted as transferred, the tenant is told, and a
// handoff-queued notice follows when no agent of the tenant is online.
func (g *Gateway) handleHandoff(w http.ResponseWriter, r *http.Request) {
	body, err := decodeHandoffBody(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	body.Priority = handoff.NormalizePriority(body.Priority)
	if body.Priority != "" && !handoff.ValidPriority(body.Priority) {
		g.sendJSONError(w, http.StatusBadRequest, "priority must be one of low, medium, high, urgent")
		return
	}

	ctx := r.Context()
	conv, err := g.authorizeConversation(ctx, body.ConversationID)
	if err != nil {
		g.sendDomainError(w, "handoff", err)
		return
	}
	if body.TenantID != "" && body.TenantID != conv.TenantID {
		g.sendJSONError(w, http.StatusBadRequest, "tenantId does not match the conversation")
		return
	}

	requestedAt := body.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = g.now().UTC()
	}
	priority := body.Priority
	if priority == "" {
		priority = g.config.Handoff.DefaultPriority
	}

	conv, err = g.backend.MarkTransferred(ctx, conv.ID, store.Handoff{
		Reason:        body.Reason,
		Priority:      priority,
		RequestedAt:   requestedAt,
		EstimatedWait: body.EstimatedWait,
	})
	if err != nil {
		g.sendDomainError(w, "handoff", err)
		return
	}

	notified, err := g.handoff.RequestHandoff(ctx, handoff.Request{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Reason:         body.Reason,
		Priority:       priority,
		RequestedAt:    requestedAt,
		Extra:          body.Extra,
	}, "")
	if err != nil {
		g.sendDomainError(w, "handoff", err)
		return
	}

	queued, err := g.handoff.QueueHandoff(ctx, conv.ID, conv.TenantID, body.EstimatedWait)
	if err != nil {
		g.sendDomainError(w, "handoff", err)
		return
	}

	g.sendJSON(w, http.StatusOK, HandoffResult{
		Success:      true,
		Conversation: toConversationResponse(conv),
		Notified:     notified,
		Queued:       queued,
	})
}

// handleDirectHandoff handles POST /api/handoff/direct.
func (g *Gateway) handleDirectHandoff(w http.ResponseWriter, r *http.Request) {
	var body DirectHandoffBody
	if err := decodeBody(r, &body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ConversationID == "" || body.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversationId and agentId are required")
		return
	}

	ctx := r.Context()
	if _, err := g.authorizeConversation(ctx, body.ConversationID); err != nil {
		g.sendDomainError(w, "direct handoff", err)
		return
	}

	n, err := g.handoff.RequestDirect(ctx, body.ConversationID, body.AgentID, body.Reason)
	if err != nil {
		g.sendDomainError(w, "direct handoff", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"success": true, "notified": n})
}

// handleAgentAccept handles POST /api/chat/{id}/agent-accept.
// The first agent wins; later callers get 409.
func (g *Gateway) handleAgentAccept(w http.ResponseWriter, r *http.Request) {
	var body AgentAcceptBody
	if err := decodeBody(r, &body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	agentID, err := agentFor(ctx, body.AgentID)
	if err != nil {
		g.sendDomainError(w, "agent accept", err)
		return
	}
	if agentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	id := r.PathValue("id")
	if auth.FromContext(ctx) != nil {
		if _, err := g.authorizeConversation(ctx, id); err != nil {
			g.sendDomainError(w, "agent accept", err)
			return
		}
	}

	conv, err := g.handoff.AcceptHandoff(ctx, id, agentID)
	if err != nil {
		g.sendDomainError(w, "agent accept", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"conversation": toConversationResponse(conv),
	})
}

// handleAgentMessage handles POST /api/chat/{id}/agent-message.
// Only the assigned agent may write; the message is stored, then relayed to
// the conversation room.
func (g *Gateway) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	var body AgentMessageBody
	if err := decodeBody(r, &body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	ctx := r.Context()
	agentID, err := agentFor(ctx, body.AgentID)
	if err != nil {
		g.sendDomainError(w, "agent message", err)
		return
	}

	conv, err := g.authorizeConversation(ctx, r.PathValue("id"))
	if err != nil {
		g.sendDomainError(w, "agent message", err)
		return
	}
	if conv.Status == store.StatusEnded {
		g.sendDomainError(w, "agent message", store.ErrConversationEnded)
		return
	}
	if agentID == "" || conv.AssignedAgent != agentID {
		g.sendJSONError(w, http.StatusForbidden, "only the assigned agent can send messages")
		return
	}

	msg, err := g.backend.AgentMessage(ctx, conv.ID, agentID, body.Content)
	if err != nil {
		g.sendDomainError(w, "agent message", err)
		return
	}

	resp := toMessageResponse(msg)
	payload, err := json.Marshal(resp)
	if err != nil {
		g.sendDomainError(w, "agent message", err)
		return
	}
	if _, err := g.handoff.RelayMessage(ctx, conv.ID, payload, ""); err != nil && !errors.Is(err, handoff.ErrDuplicateMessage) {
		g.logger.Warn("agent message relay failed", "conversation_id", conv.ID, "error", err)
	}

	g.sendJSON(w, http.StatusCreated, map[string]any{"success": true, "message": resp})
}

// handleEscalate handles POST /api/chat/{id}/escalate.
func (g *Gateway) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var body EscalateBody
	if err := decodeBody(r, &body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	id := r.PathValue("id")
	if auth.FromContext(ctx) != nil {
		if _, err := g.authorizeConversation(ctx, id); err != nil {
			g.sendDomainError(w, "escalate", err)
			return
		}
	}

	conv, err := g.handoff.Escalate(ctx, id, body.Reason)
	if err != nil {
		g.sendDomainError(w, "escalate", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"conversation": toConversationResponse(conv),
	})
}

// handleEnd handles POST /api/chat/{id}/end.
func (g *Gateway) handleEnd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if auth.FromContext(ctx) != nil {
		if _, err := g.authorizeConversation(ctx, id); err != nil {
			g.sendDomainError(w, "end", err)
			return
		}
	}

	conv, err := g.handoff.EndConversation(ctx, id)
	if err != nil {
		g.sendDomainError(w, "end", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"conversation": toConversationResponse(conv),
	})
}

// handleHistory handles GET /api/chat/history/{sessionId}.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := g.backend.History(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		g.sendDomainError(w, "history", err)
		return
	}

	out := make([]MessageResponse, 0, len(msgs))
	for i := range msgs {
		out = append(out, toMessageResponse(&msgs[i]))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// handleListConversations handles GET /api/chat/conversations.
// Query: status, assignedAgent, tenantId, limit. With auth on, the listing is
// scoped to the caller's tenant.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ConversationFilter{
		TenantID:      q.Get("tenantId"),
		Status:        store.ConversationStatus(q.Get("status")),
		AssignedAgent: q.Get("assignedAgent"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "status must be one of active, transferred, escalated, ended")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	ctx := r.Context()
	if ident := auth.FromContext(ctx); ident != nil {
		if filter.TenantID == "" {
			filter.TenantID = ident.TenantID
		}
		if !ident.CanJoinTenant(filter.TenantID) {
			g.sendJSONError(w, http.StatusForbidden, errForbidden.Error())
			return
		}
	}

	convs, err := g.backend.ListConversations(ctx, filter)
	if err != nil {
		g.sendDomainError(w, "list conversations", err)
		return
	}

	resp := ConversationListResponse{
		Conversations: make([]*ConversationResponse, 0, len(convs)),
		Count:         len(convs),
	}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, toConversationResponse(c))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handlePresence handles GET /api/presence/{tenantId}.
func (g *Gateway) handlePresence(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")
	if ident := auth.FromContext(r.Context()); ident != nil && !ident.CanJoinTenant(tenantID) {
		g.sendJSONError(w, http.StatusForbidden, errForbidden.Error())
		return
	}

	entries := g.presence.Online(tenantID)
	resp := PresenceResponse{
		TenantID: tenantID,
		Count:    len(entries),
		Online:   make([]PresenceEntryResponse, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Online = append(resp.Online, PresenceEntryResponse{
			AgentID: e.AgentID,
			Status:  string(e.Status),
			Since:   e.UpdatedAt,
		})
	}

	if team, ok := g.backend.(roster); ok {
		agents, err := team.Agents(r.Context())
		if err != nil {
			// Live presence is still worth answering with
			g.logger.Warn("team roster unavailable", "tenant_id", tenantID, "error", err)
		} else {
			resp.Agents = g.teamStatus(tenantID, agents)
		}
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// teamStatus pairs each team agent with its tracked presence in tenantID.
func (g *Gateway) teamStatus(tenantID string, members []chatapi.TeamMember) []TeamAgentResponse {
	out := make([]TeamAgentResponse, 0, len(members))
	for _, m := range members {
		status := string(presence.StatusOffline)
		if e, ok := g.presence.Get(m.ID); ok && e.TenantID == tenantID {
			status = string(e.Status)
		}
		out = append(out, TeamAgentResponse{
			AgentID: m.ID,
			Name:    m.Name,
			Email:   m.Email,
			Status:  status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
