// ABOUTME: HTTP client for the external chat API that owns conversation records
// ABOUTME: Every call goes through a gobreaker circuit breaker

package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/2389/handoff-gateway/internal/store"
)

// Default circuit breaker and request settings.
const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 30 * time.Second
	defaultInterval           = 60 * time.Second
	defaultTimeout            = 10 * time.Second
	maxBodyBytes              = 1 << 20
)

var (
	// ErrUnavailable wraps breaker rejections and server-side failures.
	ErrUnavailable = errors.New("chat api unavailable")

	// ErrForbidden is returned for 401/403 responses.
	ErrForbidden = errors.New("chat api refused the request")

	// ErrUnexpectedStatus is returned for other non-2xx responses.
	ErrUnexpectedStatus = errors.New("unexpected status from chat api")
)

// Config configures the client.
type Config struct {
	BaseURL     string
	Token       string // service bearer token
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration // how long the breaker stays open
	Interval    time.Duration // closed-state failure count reset period
}

type response struct {
	status int
	body   []byte
}

// errServer marks 5xx responses as breaker failures.
type errServer struct{ resp *response }

func (e *errServer) Error() string { return fmt.Sprintf("server error %d", e.resp.status) }

// Client talks to the chat API. It satisfies handoff.Conversations.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*response]
	logger  *slog.Logger
}

// New creates a client. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "chatapi")

	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid chat api base url %q", cfg.BaseURL)
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout == 0 {
		openTimeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "chatapi",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		base:    base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// State returns the breaker state for health reporting.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	var env conversationEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations/"+url.PathEscape(id), nil, &env); err != nil {
		return nil, err
	}
	if env.Conversation == nil {
		return nil, store.ErrNotFound
	}
	return env.Conversation.toStore(), nil
}

// ListConversations lists the conversations of the service token's tenant.
// Status, assigned agent and limit are passed to the API; the tenant is
// checked again here since the API scopes by token, not by query.
func (c *Client) ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.AssignedAgent != "" {
		q.Set("assignedAgent", filter.AssignedAgent)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/api/chat/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var env conversationsEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	out := make([]*store.Conversation, 0, len(env.Conversations))
	for i := range env.Conversations {
		conv := env.Conversations[i].toStore()
		if filter.TenantID != "" && conv.TenantID != "" && conv.TenantID != filter.TenantID {
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

// AssignIfUnassigned asks the chat API to assign agentID. The API applies
// the assignment atomically; 409 means another agent won.
func (c *Client) AssignIfUnassigned(ctx context.Context, id, agentID string) (*store.Conversation, error) {
	return c.transition(ctx, id, "agent-accept", map[string]any{"agentId": agentID, "message": nil})
}

// Escalate asks the chat API to escalate the conversation.
func (c *Client) Escalate(ctx context.Context, id, reason string) (*store.Conversation, error) {
	return c.transition(ctx, id, "escalate", map[string]string{"reason": reason})
}

// End asks the chat API to end the conversation.
func (c *Client) End(ctx context.Context, id string) (*store.Conversation, error) {
	return c.transition(ctx, id, "end", struct{}{})
}

func (c *Client) transition(ctx context.Context, id, action string, body any) (*store.Conversation, error) {
	var env conversationEnvelope
	path := "/api/chat/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, body, &env); err != nil {
		return nil, err
	}
	if env.Conversation == nil {
		// Older API versions answer {"success": true} only
		return c.GetConversation(ctx, id)
	}
	return env.Conversation.toStore(), nil
}

// AgentMessage posts a message written by agentID into the conversation.
func (c *Client) AgentMessage(ctx context.Context, id, agentID, content string) (*store.Message, error) {
	var env messageEnvelope
	body := map[string]string{"agentId": agentID, "content": content}
	if err := c.do(ctx, http.MethodPost, "/api/chat/"+url.PathEscape(id)+"/agent-message", body, &env); err != nil {
		return nil, err
	}
	if env.Message == nil {
		return &store.Message{ConversationID: id, Role: store.RoleAgent, Content: content, SenderID: agentID, CreatedAt: time.Now()}, nil
	}
	msg := env.Message.toStore()
	if msg.ConversationID == "" {
		msg.ConversationID = id
	}
	return &msg, nil
}

// History returns a widget session's messages, oldest first.
func (c *Client) History(ctx context.Context, sessionID string) ([]store.Message, error) {
	var env historyEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/chat/history/"+url.PathEscape(sessionID), nil, &env); err != nil {
		return nil, err
	}
	out := make([]store.Message, 0, len(env.Messages))
	for i := range env.Messages {
		out = append(out, env.Messages[i].toStore())
	}
	return out, nil
}

// Team returns the members of the tenant the service token belongs to.
func (c *Client) Team(ctx context.Context) ([]TeamMember, error) {
	var env teamEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/tenant/team", nil, &env); err != nil {
		return nil, err
	}
	return env.Team, nil
}

// Agents returns the team members whose role is agent.
func (c *Client) Agents(ctx context.Context) ([]TeamMember, error) {
	team, err := c.Team(ctx)
	if err != nil {
		return nil, err
	}
	var agents []TeamMember
	for _, m := range team {
		if m.Role == "agent" {
			agents = append(agents, m)
		}
	}
	return agents, nil
}

// do runs one request through the breaker and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if err != nil {
		var se *errServer
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return fmt.Errorf("%w: circuit open: %v", ErrUnavailable, err)
		case errors.As(err, &se):
			return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, se.resp.status)
		default:
			return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
		}
	}

	if err := statusError(resp); err != nil {
		c.logger.Debug("chat api rejected request", "method", method, "path", path, "status", resp.status)
		return err
	}
	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) (*response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	resp := &response{status: httpResp.StatusCode, body: data}
	if resp.status >= 500 {
		return nil, &errServer{resp: resp}
	}
	return resp, nil
}

// statusError maps 4xx responses onto store sentinels.
func statusError(resp *response) error {
	if resp.status >= 200 && resp.status < 300 {
		return nil
	}

	var body errorBody
	_ = json.Unmarshal(resp.body, &body)
	detail := body.Error
	if detail == "" {
		detail = body.Message
	}

	var sentinel error
	switch resp.status {
	case http.StatusNotFound:
		sentinel = store.ErrNotFound
	case http.StatusConflict:
		sentinel = store.ErrAlreadyAssigned
	case http.StatusGone:
		sentinel = store.ErrConversationEnded
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = ErrForbidden
	default:
		sentinel = ErrUnexpectedStatus
	}
	if detail == "" {
		return fmt.Errorf("%w (status %d)", sentinel, resp.status)
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}
