// ABOUTME: WebSocket client for the gateway's {event, data} frame protocol
// ABOUTME: Observer-style handlers run in arrival order on a single reader goroutine

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// AllEvents subscribes a handler to every frame.
const AllEvents = "*"

// ErrClosed is returned by Emit after Close or after the connection drops.
var ErrClosed = errors.New("client closed")

// Frame is one message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives frames for the events it was registered under.
type Handler func(Frame)

// Options configures Dial.
type Options struct {
	// Token is sent as "Authorization: Bearer <token>" when set.
	Token string
	// TenantID joins the tenant room as part of the handshake.
	TenantID string
	Logger   *slog.Logger
}

type listener struct {
	id int
	fn Handler
}

// Client is one socket connection to the gateway.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string][]listener
	nextID   int

	done      chan struct{}
	closeOnce sync.Once
	err       error // why the read loop stopped; guarded by mu
}

// socketURL turns a base address into the /ws endpoint URL.
func socketURL(base, tenantID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing gateway address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	if tenantID != "" {
		q := u.Query()
		q.Set("tenantId", tenantID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial connects to the gateway at base (ws://, wss://, http:// or https://).
func Dial(ctx context.Context, base string, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	target, err := socketURL(base, opts.TenantID)
	if err != nil {
		return nil, err
	}

	var dialOpts websocket.DialOptions
	if opts.Token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": {"Bearer " + opts.Token}}
	}

	conn, resp, err := websocket.Dial(ctx, target, &dialOpts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway websocket connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gateway websocket connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		logger:   logger.With("component", "client"),
		handlers: make(map[string][]listener),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// On registers fn for event and returns a function that removes it.
func (c *Client) On(event string, fn Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], listener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.off(event, id) })
	}
}

func (c *Client) off(event string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ls := c.handlers[event]
	for i, l := range ls {
		if l.id == id {
			c.handlers[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(c.handlers[event]) == 0 {
		delete(c.handlers, event)
	}
}

// RemoveAllListeners drops the handlers of the given events, or of every
// event when none are given.
func (c *Client) RemoveAllListeners(events ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(events) == 0 {
		c.handlers = make(map[string][]listener)
		return
	}
	for _, e := range events {
		delete(c.handlers, e)
	}
}

// Emit sends one frame.
func (c *Client) Emit(ctx context.Context, event string, data any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	if err := wsjson.Write(ctx, c.conn, Frame{Event: event, Data: raw}); err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}
	return nil
}

func (c *Client) JoinTenant(ctx context.Context, tenantID string) error {
	return c.Emit(ctx, "join-tenant", tenantID)
}

func (c *Client) JoinConversation(ctx context.Context, conversationID string) error {
	return c.Emit(ctx, "join-conversation", conversationID)
}

func (c *Client) LeaveConversation(ctx context.Context, conversationID string) error {
	return c.Emit(ctx, "leave-conversation", conversationID)
}

type agentPresence struct {
	AgentID  string `json:"agentId"`
	TenantID string `json:"tenantId"`
}

// SetAgentOnline announces agentID to the rest of the tenant and subscribes
// this connection to the agent's direct requests.
func (c *Client) SetAgentOnline(ctx context.Context, agentID, tenantID string) error {
	return c.Emit(ctx, "agent-online", agentPresence{AgentID: agentID, TenantID: tenantID})
}

func (c *Client) SetAgentOffline(ctx context.Context, agentID, tenantID string) error {
	return c.Emit(ctx, "agent-offline", agentPresence{AgentID: agentID, TenantID: tenantID})
}

// SendMessage relays fields to everyone else in the conversation. Set an
// "id" field to have replays dropped by the gateway.
func (c *Client) SendMessage(ctx context.Context, conversationID string, fields map[string]any) error {
	msg := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		msg[k] = v
	}
	msg["conversationId"] = conversationID
	return c.Emit(ctx, "chat-message", msg)
}

// NotifyHandoff announces a handoff to the rest of the tenant. Fields beyond
// the ids are passed through to recipients untouched.
func (c *Client) NotifyHandoff(ctx context.Context, conversationID, tenantID string, fields map[string]any) error {
	msg := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["conversationId"] = conversationID
	msg["tenantId"] = tenantID
	return c.Emit(ctx, "handoff-notification", msg)
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, or nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection. Handlers are not called afterwards.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, "client closing")
	})
}

func (c *Client) readLoop() {
	for {
		var f Frame
		if err := wsjson.Read(context.Background(), c.conn, &f); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("gateway connection ended", "error", err)
			}
			c.shutdown(err)
			return
		}

		select {
		case <-c.done:
			return
		default:
		}
		c.deliver(f)
	}
}

// deliver calls the frame's handlers, then the AllEvents handlers.
func (c *Client) deliver(f Frame) {
	c.mu.Lock()
	specific := c.handlers[f.Event]
	all := c.handlers[AllEvents]
	fns := make([]Handler, 0, len(specific)+len(all))
	for _, l := range specific {
		fns = append(fns, l.fn)
	}
	for _, l := range all {
		fns = append(fns, l.fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(f)
	}
}
