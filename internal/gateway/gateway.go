// ABOUTME: Gateway orchestrator that wires rooms, presence, and handoffs to HTTP
// ABOUTME: Manages the WebSocket endpoint, REST API, storage and broker lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/chatapi"
	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/dispatch"
	"github.com/2389/handoff-gateway/internal/handoff"
	"github.com/2389/handoff-gateway/internal/mirror"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/room"
	"github.com/2389/handoff-gateway/internal/store"
)

// Version is reported by the health endpoints.
var Version = "1.0.0"

// brokerDialAttempts bounds how long startup waits for RabbitMQ.
const brokerDialAttempts = 5

// Gateway owns every real-time component and the HTTP server in front of them.
type Gateway struct {
	config     *config.Config
	backend    backend
	rooms      *room.Registry
	dispatch   *dispatch.Dispatcher
	presence   *presence.Tracker
	handoff    *handoff.Coordinator
	dedupe     *dedupe.Cache
	verifier   auth.TokenVerifier // nil when auth is disabled
	publisher  mirror.Publisher   // nil unless the broker mirror is on
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time

	sessMu   sync.Mutex
	sessions map[string]*socketSession
}

// Option configures a Gateway.
type Option func(*gatewayOptions)

type gatewayOptions struct {
	publisher mirror.Publisher
	backend   backend
}

// WithPublisher mirrors events to p instead of dialing the configured broker.
func WithPublisher(p mirror.Publisher) Option {
	return func(o *gatewayOptions) { o.publisher = p }
}

// withBackend replaces the configured storage. Used by tests.
func withBackend(b backend) Option {
	return func(o *gatewayOptions) { o.backend = b }
}

// openBackend creates the conversation storage named by database.driver.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		path := cfg.Database.Path
		if envPath := os.Getenv("HANDOFF_DB_PATH"); envPath != "" {
			path = envPath
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return newLocalBackend(s), nil
	case config.DriverPostgres:
		s, err := store.OpenPostgres(ctx, cfg.Database.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return newLocalBackend(s), nil
	case config.DriverMemory:
		return newLocalBackend(store.NewMockStore()), nil
	case config.DriverRemote:
		c, err := chatapi.New(chatapi.Config{
			BaseURL:     cfg.ChatAPI.BaseURL,
			Token:       cfg.ChatAPI.Token,
			Timeout:     cfg.ChatAPI.Timeout,
			MaxFailures: cfg.ChatAPI.MaxFailures,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing chat api client: %w", err)
		}
		return &remoteBackend{Client: c}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// openPublisher dials the broker and declares the mirror exchange.
func openPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (mirror.Publisher, error) {
	conn, err := mirror.DialWithRetry(ctx, mirror.DialOptions{
		URL:           cfg.Broker.URL,
		RetryAttempts: brokerDialAttempts,
		Delay:         time.Second,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	pub, err := mirror.NewAMQPPublisher(conn, cfg.Broker.Exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return pub, nil
}

// New creates a gateway from a finalized config. Pass nil logger for default.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o gatewayOptions
	for _, opt := range opts {
		opt(&o)
	}

	be := o.backend
	if be == nil {
		var err error
		if be, err = openBackend(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	pub := o.publisher
	if pub == nil && cfg.Broker.Enabled {
		var err error
		if pub, err = openPublisher(ctx, cfg, logger); err != nil {
			_ = be.Close()
			return nil, fmt.Errorf("connecting event mirror: %w", err)
		}
		logger.Info("event mirror enabled", "exchange", cfg.Broker.Exchange)
	}

	rooms := room.NewRegistry(logger)

	var dispatchOpts []dispatch.Option
	if pub != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithMirror(pub))
	}
	disp := dispatch.New(rooms, logger, dispatchOpts...)

	tracker := presence.New(rooms, disp, logger, presence.WithOfflineGrace(cfg.Presence.OfflineGrace))
	seen := dedupe.New(cfg.Handoff.DedupeTTL, cfg.Handoff.DedupeSize)
	coord := handoff.New(disp, tracker, be, logger,
		handoff.WithDefaultPriority(cfg.Handoff.DefaultPriority),
		handoff.WithDefaultEstimatedWait(cfg.Handoff.DefaultEstimatedWait),
		handoff.WithMessageDedupe(seen),
	)

	gw := &Gateway{
		config:    cfg,
		backend:   be,
		rooms:     rooms,
		dispatch:  disp,
		presence:  tracker,
		handoff:   coord,
		dedupe:    seen,
		publisher: pub,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*socketSession),
	}

	if cfg.AuthEnabled() {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("token auth enabled")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux. The socket endpoint authenticates itself so a
// failed upgrade can be answered before the handshake.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /api/health", g.handleHealth)
	mux.HandleFunc("GET /ws", g.handleSocket)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/handoff", g.handleHandoff)
	api.HandleFunc("POST /api/handoff/direct", g.handleDirectHandoff)
	api.HandleFunc("POST /api/chat/{id}/agent-accept", g.handleAgentAccept)
	api.HandleFunc("POST /api/chat/{id}/agent-message", g.handleAgentMessage)
	api.HandleFunc("POST /api/chat/{id}/escalate", g.handleEscalate)
	api.HandleFunc("POST /api/chat/{id}/end", g.handleEnd)
	api.HandleFunc("GET /api/chat/conversations", g.handleListConversations)
	api.HandleFunc("GET /api/chat/history/{sessionId}", g.handleHistory)
	api.HandleFunc("GET /api/presence/{tenantId}", g.handlePresence)

	mux.Handle("/api/", auth.Middleware(g.verifier)(api))
	return mux
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run listens on server.http_addr and serves until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the serving one is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every socket and releases storage
// and broker resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked WebSocket connections are not tracked by http.Server.
	g.closeSessions()

	g.presence.Close()
	g.handoff.Close()
	g.dedupe.Close()

	if g.publisher != nil {
		errs = appendCloseError(errs, "mirror close", g.publisher.Close())
	}
	errs = appendCloseError(errs, "store close", g.backend.Close())

	return errors.Join(errs...)
}

// healthResponse is the JSON body of the health endpoints.
type healthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Environment string    `json:"environment"`
	Version     string    `json:"version"`
	Sessions    int       `json:"sessions"`
}

// handleHealth returns 200 while the process is serving.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sessMu.Lock()
	n := len(g.sessions)
	g.sessMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:      "healthy",
		Timestamp:   g.now().UTC(),
		Environment: g.config.Server.Environment,
		Version:     Version,
		Sessions:    n,
	})
}
