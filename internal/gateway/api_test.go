// ABOUTME: Tests for the REST handlers and their error-to-status mapping
// ABOUTME: Runs against the in-memory store and a fake chat API

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/chatapi"
	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/dispatch"
	"github.com/2389/handoff-gateway/internal/handoff"
	"github.com/2389/handoff-gateway/internal/store"
)

func readJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandleHandoff_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.conversation(t, "c1", "t1")

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"missing conversation id", map[string]any{"tenantId": "t1"}, http.StatusBadRequest},
		{"unknown conversation", map[string]any{"conversationId": "nope"}, http.StatusNotFound},
		{"invalid priority", map[string]any{"conversationId": "c1", "priority": "asap"}, http.StatusBadRequest},
		{"tenant mismatch", map[string]any{"conversationId": "c1", "tenantId": "t2"}, http.StatusBadRequest},
		{"not an object", []string{"c1"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, "/api/handoff", tt.body, "")
			assert.Equal(t, tt.status, resp.StatusCode)
			body := readJSON[map[string]string](t, resp)
			assert.NotEmpty(t, body["error"])
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		resp, err := http.Post(env.srv.URL+"/api/handoff", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleHandoff_EndedConversation(t *testing.T) {
	env := newTestEnv(t)
	env.conversation(t, "c1", "t1")
	_, err := env.store.End(context.Background(), "c1")
	require.NoError(t, err)

	resp := env.post(t, "/api/handoff", map[string]any{"conversationId": "c1"}, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestHandleHandoff_PersistsDetails(t *testing.T) {
	env := newTestEnv(t)
	env.conversation(t, "c1", "t1")

	resp := env.post(t, "/api/handoff", map[string]any{
		"conversationId": "c1",
		"reason":         "refund",
		"estimatedWait":  "2 minutes",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := readJSON[HandoffResult](t, resp)
	require.NotNil(t, result.Conversation)
	assert.Equal(t, "transferred", result.Conversation.HandoffState)
	assert.Nil(t, result.Conversation.AssignedAgent)
	assert.Equal(t, "medium", result.Conversation.Handoff.Priority)
	assert.True(t, result.Queued)
	assert.Zero(t, result.Notified)

	conv, err := env.store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusTransferred, conv.Status)
	assert.Equal(t, "refund", conv.Handoff.Reason)
	assert.Equal(t, "2 minutes", conv.Handoff.EstimatedWait)
	assert.False(t, conv.Handoff.RequestedAt.IsZero())
}

func TestHandleHandoff_NormalizesPriority(t *testing.T) {
	env := newTestEnv(t)

	for i, p := range []string{"High", " high", "URGENT "} {
		id := fmt.Sprintf("c%d", i)
		env.conversation(t, id, "t1")

		resp := env.post(t, "/api/handoff", map[string]any{"conversationId": id, "priority": p}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode, "%q", p)
		result := readJSON[HandoffResult](t, resp)
		assert.Equal(t, strings.ToLower(strings.TrimSpace(p)), result.Conversation.Handoff.Priority)
	}

	env.conversation(t, "bad", "t1")
	resp := env.post(t, "/api/handoff", map[string]any{"conversationId": "bad", "priority": "Critical"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleDirectHandoff(t *testing.T) {
	env := newTestEnv(t)
	env.conversation(t, "c1", "t1")
	agent := env.dial(t, "tenantId=t1")
	agent.emit(EventAgentOnline, agentPresence{AgentID: "a1", TenantID: "t1"})
	agent.sync()

	resp := env.post(t, "/api/handoff/direct", DirectHandoffBody{ConversationID: "c1", AgentID: "a1", Reason: "vip"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, readJSON[map[string]any](t, resp)["notified"])

	req := decode[dispatch.HandoffRequest](t, agent.expect(dispatch.EventHandoffRequest))
	assert.Equal(t, "c1", req.ConversationID)
	assert.Equal(t, "vip", req.Reason)

	resp = env.post(t, "/api/handoff/direct", DirectHandoffBody{ConversationID: "c1"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleAgentAccept(t *testing.T) {
	env := newTestEnv(t)
	env.conversation(t, "c1", "t1")

	resp := env.post(t, "/api/chat/c1/agent-accept", AgentAcceptBody{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "agent required without a token")

	resp = env.post(t, "/api/chat/c1/agent-accept", AgentAcceptBody{AgentID: "a1"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readJSON[struct {
		Success      bool                 `json:"success"`
		Conversation ConversationResponse `json:"conversation"`
	}](t, resp)
	assert.True(t, body.Success)
	require.NotNil(t, body.Conversation.AssignedAgent)
	assert.Equal(t, "a1", *body.Conversation.AssignedAgent)
	assert.Equal(t, "assigned", body.Conversation.HandoffState)

	resp = env.post(t, "/api/chat/c1/agent-accept", AgentAcceptBody{AgentID: "a2"}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.post(t, "/api/chat/missing/agent-accept", AgentAcceptBody{AgentID: "a1"}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.post(t, "/api/chat/c1/end", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.post(t, "/api/chat/c1/agent-accept", AgentAcceptBody{AgentID: "a3"}, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestHandleAgentMessage(t *testing.T) {
	env := newTestEnv(t)
	env.conversation(t, "c1", "t1")
	widget := env.dial(t, "")
	widget.emit(EventJoinConversation, "c1")
	widget.sync()

	resp := env.post(t, "/api/chat/c1/agent-message", AgentMessageBody{AgentID: "a1", Content: "hello"}, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "nobody assigned yet")

	resp = env.post(t, "/api/chat/c1/agent-message", AgentMessageBody{AgentID: "a1"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "content required")

	resp = env.post(t, "/api/chat/c1/agent-accept", AgentAcceptBody{AgentID: "a1"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	widget.expect(dispatch.EventHandoffAccepted)

	resp = env.post(t, "/api/chat/c1/agent-message", AgentMessageBody{AgentID: "a2", Content: "hijack"}, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.post(t, "/api/chat/c1/agent-message", AgentMessageBody{AgentID: "a1", Content: "hello"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := readJSON[struct {
		Message MessageResponse `json:"message"`
	}](t, resp)
	assert.NotEmpty(t, created.Message.ID)
	assert.Equal(t, store.RoleAgent, created.Message.Role)

	relayed := decode[MessageResponse](t, widget.expect(dispatch.EventNewMessage))
	assert.Equal(t, created.Message.ID, relayed.ID)
	assert.Equal(t, "hello", relayed.Content)

	histResp, err := http.Get(env.srv.URL + "/api/chat/history/sess-c1")
	require.NoError(t, err)
	defer histResp.Body.Close()
	require.Equal(t, http.StatusOK, histResp.StatusCode)
	history := readJSON[struct {
		Messages []MessageResponse `json:"messages"`
	}](t, histResp)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "a1", history.Messages[0].SenderID)

	resp = env.post(t, "/api/chat/c1/end", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.post(t, "/api/chat/c1/agent-message", AgentMessageBody{AgentID: "a1", Content: "late"}, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestHandleEscalateAndEnd(t *testing.T) {
	env := newTestEnv(t)
	env.conversation(t, "c1", "t1")
	observer := env.dial(t, "tenantId=t1")
	observer.emit(EventJoinConversation, "c1")
	observer.sync()

	resp := env.post(t, "/api/chat/c1/escalate", EscalateBody{Reason: "angry customer"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	esc := decode[dispatch.ConversationEscalated](t, observer.expect(dispatch.EventConversationEscalated))
	assert.Equal(t, "urgent", esc.Priority)
	assert.Equal(t, "angry customer", esc.Reason)

	resp = env.post(t, "/api/chat/c1/end", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ended := decode[dispatch.ConversationEnded](t, observer.expect(dispatch.EventConversationEnded))
	assert.Equal(t, "c1", ended.ConversationID)

	resp = env.post(t, "/api/chat/c1/end", nil, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	resp = env.post(t, "/api/chat/c1/escalate", EscalateBody{}, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	resp = env.post(t, "/api/chat/missing/end", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleHistory_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/chat/history/nobody")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlePresence(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "")
	b := env.dial(t, "")
	b.emit(EventAgentOnline, agentPresence{AgentID: "b", TenantID: "t1"})
	a.emit(EventAgentOnline, agentPresence{AgentID: "a", TenantID: "t1"})
	c := env.dial(t, "")
	c.emit(EventAgentOnline, agentPresence{AgentID: "x", TenantID: "t2"})
	a.sync()
	b.sync()
	c.sync()

	resp, err := http.Get(env.srv.URL + "/api/presence/t1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readJSON[PresenceResponse](t, resp)
	assert.Equal(t, "t1", body.TenantID)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Online, 2)
	assert.Equal(t, "a", body.Online[0].AgentID)
	assert.Equal(t, "b", body.Online[1].AgentID)
	assert.Equal(t, "online", body.Online[0].Status)
}

func conversationIDs(list ConversationListResponse) []string {
	ids := make([]string, 0, len(list.Conversations))
	for _, c := range list.Conversations {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestHandleListConversations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		env.conversation(t, id, "t1")
	}
	env.conversation(t, "c5", "t2")
	for _, id := range []string{"c2", "c3", "c4", "c5"} {
		_, err := env.store.MarkTransferred(ctx, id, store.Handoff{Reason: "help"})
		require.NoError(t, err)
	}
	_, err := env.store.Escalate(ctx, "c3", "angry")
	require.NoError(t, err)
	_, err = env.store.AssignIfUnassigned(ctx, "c4", "a1")
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"tenant", "?tenantId=t1", []string{"c1", "c2", "c3", "c4"}},
		{"transferred", "?tenantId=t1&status=transferred", []string{"c2", "c4"}},
		{"escalated", "?tenantId=t1&status=escalated", []string{"c3"}},
		{"my chats", "?tenantId=t1&assignedAgent=a1", []string{"c4"}},
		{"all tenants without auth", "?status=transferred", []string{"c2", "c4", "c5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.get(t, "/api/chat/conversations"+tt.query, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			list := readJSON[ConversationListResponse](t, resp)
			assert.ElementsMatch(t, tt.want, conversationIDs(list))
			assert.Equal(t, len(tt.want), list.Count)
		})
	}

	resp := env.get(t, "/api/chat/conversations?tenantId=t1&limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, readJSON[ConversationListResponse](t, resp).Conversations, 1)

	for _, q := range []string{"?status=bogus", "?limit=-1", "?limit=many"} {
		resp := env.get(t, "/api/chat/conversations"+q, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestHandleListConversations_ScopedToTokenTenant(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.JWTSecret = testSecret })
	env.conversation(t, "c1", "t1")
	env.conversation(t, "c2", "t2")
	verifier := auth.NewJWTVerifier([]byte(testSecret))
	token, err := verifier.Generate(auth.Identity{Subject: "a1", TenantID: "t1", Role: auth.RoleAgent}, time.Hour)
	require.NoError(t, err)

	resp := env.get(t, "/api/chat/conversations", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.get(t, "/api/chat/conversations", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"c1"}, conversationIDs(readJSON[ConversationListResponse](t, resp)))

	resp = env.get(t, "/api/chat/conversations?tenantId=t2", token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// fakeChatAPI serves the subset of the chat API the remote backend calls.
func fakeChatAPI(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var accepts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"conversation not found"}`))
			return
		}
		_, _ = fmt.Fprint(w, `{"success":true,"conversation":{"_id":"c1","tenantId":"t1","status":"active"}}`)
	})
	mux.HandleFunc("GET /api/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") == "escalated" {
			_, _ = fmt.Fprint(w, `{"conversations":[]}`)
			return
		}
		_, _ = fmt.Fprint(w, `{"conversations":[
			{"_id":"c1","tenantId":"t1","status":"transferred"},
			{"_id":"c9","tenantId":"t1","status":"active"}
		]}`)
	})
	mux.HandleFunc("GET /api/tenant/team", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"team":[
			{"id":"owner","name":"Owner","role":"admin"},
			{"id":"a2","name":"Bo","role":"agent"},
			{"id":"a1","name":"Ada","email":"ada@example.com","role":"agent"}
		]}`)
	})
	mux.HandleFunc("POST /api/chat/{id}/agent-accept", func(w http.ResponseWriter, r *http.Request) {
		if accepts.Add(1) > 1 {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"already assigned"}`))
			return
		}
		_, _ = fmt.Fprint(w, `{"success":true,"conversation":{"_id":"c1","tenantId":"t1","status":"transferred","assignedAgent":{"_id":"a1","name":"Ada"}}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &accepts
}

func TestRemoteBackend(t *testing.T) {
	api, accepts := fakeChatAPI(t)

	cfg := testConfig(t, func(c *config.Config) {
		c.Database.Driver = config.DriverRemote
		c.ChatAPI.BaseURL = api.URL
	})
	gw, err := New(context.Background(), cfg, testLogger(), WithPublisher(nil))
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	env := &testEnv{gw: gw, srv: srv}

	resp := env.post(t, "/api/handoff", map[string]any{"conversationId": "c1", "reason": "help"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := readJSON[HandoffResult](t, resp)
	assert.Equal(t, "transferred", result.Conversation.Status)
	assert.Equal(t, "help", result.Conversation.Handoff.Reason)

	resp = env.post(t, "/api/handoff", map[string]any{"conversationId": "c2"}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.post(t, "/api/chat/c1/agent-accept", AgentAcceptBody{AgentID: "a1"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.post(t, "/api/chat/c1/agent-accept", AgentAcceptBody{AgentID: "a2"}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.EqualValues(t, 2, accepts.Load())
}

func TestRemoteBackend_ListsAndRoster(t *testing.T) {
	api, _ := fakeChatAPI(t)

	cfg := testConfig(t, func(c *config.Config) {
		c.Database.Driver = config.DriverRemote
		c.ChatAPI.BaseURL = api.URL
	})
	gw, err := New(context.Background(), cfg, testLogger(), WithPublisher(nil))
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	env := &testEnv{gw: gw, srv: srv}

	resp := env.get(t, "/api/chat/conversations?tenantId=t1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"c1", "c9"}, conversationIDs(readJSON[ConversationListResponse](t, resp)))

	resp = env.get(t, "/api/chat/conversations?status=escalated", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, readJSON[ConversationListResponse](t, resp).Conversations)

	agent := env.dial(t, "")
	agent.emit(EventAgentOnline, agentPresence{AgentID: "a1", TenantID: "t1"})
	agent.sync()

	resp = env.get(t, "/api/presence/t1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readJSON[PresenceResponse](t, resp)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, []TeamAgentResponse{
		{AgentID: "a1", Name: "Ada", Email: "ada@example.com", Status: "online"},
		{AgentID: "a2", Name: "Bo", Status: "offline"},
	}, body.Agents)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("accepting c1: %w", store.ErrAlreadyAssigned), http.StatusConflict},
		{store.ErrConversationEnded, http.StatusGone},
		{handoff.ErrInvalidRequest, http.StatusBadRequest},
		{handoff.ErrInvalidPriority, http.StatusBadRequest},
		{errForbidden, http.StatusForbidden},
		{chatapi.ErrForbidden, http.StatusForbidden},
		{chatapi.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
