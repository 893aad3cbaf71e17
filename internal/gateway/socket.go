// ABOUTME: WebSocket transport carrying {event, data} frames for dashboards and widgets
// ABOUTME: One read loop handles inbound events in order; one write loop drains the send queue

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/room"
)

// ErrSendQueueFull is returned by Send when a slow client has not drained
// its queue. The frame is dropped.
var ErrSendQueueFull = errors.New("send queue full")

const (
	writeTimeout = 5 * time.Second
	maxFrameSize = 1 << 20
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// socketSession is a room.Session backed by a WebSocket connection.
type socketSession struct {
	id       string
	conn     *websocket.Conn
	identity *auth.Identity // nil when auth is disabled
	limiter  *rate.Limiter
	logger   *slog.Logger

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

var _ room.Session = (*socketSession)(nil)

func newSocketSession(conn *websocket.Conn, identity *auth.Identity, queue int, limiter *rate.Limiter, logger *slog.Logger) *socketSession {
	id := uuid.New().String()
	return &socketSession{
		id:       id,
		conn:     conn,
		identity: identity,
		limiter:  limiter,
		logger:   logger.With("session_id", id),
		send:     make(chan Frame, queue),
		done:     make(chan struct{}),
	}
}

func (s *socketSession) ID() string { return s.id }

// Send queues one frame without blocking.
func (s *socketSession) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}

	select {
	case <-s.done:
		return room.ErrSessionClosed
	default:
	}

	select {
	case s.send <- Frame{Event: event, Data: data}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// sendError answers a rejected inbound event.
func (s *socketSession) sendError(event string, err error) {
	if sendErr := s.Send(EventError, errorPayload{Event: event, Message: err.Error()}); sendErr != nil {
		s.logger.Debug("error frame dropped", "event", event, "error", sendErr)
	}
}

// close stops the write loop. Safe to call more than once.
func (s *socketSession) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *socketSession) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, s.conn, frame)
			cancel()
			if err != nil {
				s.logger.Debug("socket write failed", "error", err)
				s.close()
				_ = s.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// originPatterns returns the configured origins, or every origin when none
// are configured.
func (g *Gateway) originPatterns() []string {
	if len(g.config.Server.AllowedOrigins) > 0 {
		return g.config.Server.AllowedOrigins
	}
	return []string{"*"}
}

// handleSocket upgrades GET /ws. The token comes from the Authorization header
// or the token query parameter; tenantId in the query joins that tenant room
// on connect.
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if g.verifier != nil {
		token, errMsg := auth.TokenFromRequest(r)
		if errMsg != "" {
			g.sendJSONError(w, http.StatusUnauthorized, errMsg)
			return
		}
		id, err := g.verifier.Verify(token)
		if err != nil {
			g.sendJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		identity = id
	}

	tenantID := r.URL.Query().Get("tenantId")
	if tenantID != "" && identity != nil && !identity.CanJoinTenant(tenantID) {
		g.sendJSONError(w, http.StatusForbidden, "tenant not permitted")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns(),
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	limits := g.config.Limits
	s := newSocketSession(conn, identity, limits.SendQueue,
		rate.NewLimiter(rate.Limit(limits.EventsPerSecond), limits.Burst), g.logger)

	g.addSession(s)
	defer g.removeSession(s)

	attrs := []any{"session_id", s.id, "tenant_id", tenantID}
	if identity != nil {
		attrs = append(attrs, "subject", identity.Subject, "role", identity.Role)
	}
	g.logger.Info("socket connected", attrs...)

	go s.writeLoop()

	if tenantID != "" {
		g.rooms.Join(s, room.Tenant(tenantID))
	}

	g.readLoop(r.Context(), s)
}

// readLoop handles inbound events to completion, one at a time.
func (g *Gateway) readLoop(ctx context.Context, s *socketSession) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.logger.Debug("socket read ended", "error", err)
			}
			return
		}

		if !s.limiter.Allow() {
			s.sendError(frame.Event, errRateLimited)
			continue
		}

		g.handleEvent(ctx, s, frame)
	}
}

func (g *Gateway) addSession(s *socketSession) {
	g.sessMu.Lock()
	g.sessions[s.id] = s
	g.sessMu.Unlock()
}

// removeSession drops every room membership of the session. Presence is only
// told the session is gone; agents stay online unless a grace period is set.
func (g *Gateway) removeSession(s *socketSession) {
	g.sessMu.Lock()
	delete(g.sessions, s.id)
	g.sessMu.Unlock()

	s.close()
	rooms := g.rooms.Remove(s.id)
	g.presence.SessionClosed(s.id)
	_ = s.conn.Close(websocket.StatusNormalClosure, "")

	g.logger.Info("socket disconnected", "session_id", s.id, "rooms", len(rooms))
}

func (g *Gateway) closeSessions() {
	g.sessMu.Lock()
	sessions := make([]*socketSession, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.sessMu.Unlock()

	for _, s := range sessions {
		s.close()
		_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
