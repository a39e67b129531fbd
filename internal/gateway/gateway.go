// ABOUTME: Gateway orchestrator that wires the store, completion client, chat service and HTTP server
// ABOUTME: Manages the server lifecycle, health endpoints and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/agency-chat/internal/auth"
	"github.com/2389/agency-chat/internal/broadcast"
	"github.com/2389/agency-chat/internal/chat"
	"github.com/2389/agency-chat/internal/completion"
	"github.com/2389/agency-chat/internal/config"
	"github.com/2389/agency-chat/internal/dedupe"
	"github.com/2389/agency-chat/internal/store"
)

const (
	shutdownTimeout = 5 * time.Second
	readyTimeout    = 2 * time.Second
)

// Gateway orchestrates the agency-chat server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *broadcast.Registry
	chat       *chat.Service
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	// dedupe drops socket newMessage events re-sent with the same client ID
	dedupe *dedupe.Cache
}

// initStore opens the SQLite store. AGENCY_CHAT_DB_PATH overrides the
// configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENCY_CHAT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newCompletionClient builds the upstream client, pacing connection attempts
// when requests_per_second is set.
func newCompletionClient(cfg *config.Config, logger *slog.Logger) (*completion.Client, error) {
	up := cfg.Upstream
	opts := []completion.Option{completion.WithLogger(logger)}
	if up.RequestsPerSecond > 0 {
		opts = append(opts, completion.WithRateLimiter(rate.NewLimiter(rate.Limit(up.RequestsPerSecond), up.Burst)))
		logger.Info("upstream rate limit enabled", "rps", up.RequestsPerSecond, "burst", up.Burst)
	}

	client, err := completion.NewClient(completion.Config{
		BaseURL:       up.BaseURL,
		APIKey:        up.APIKey,
		Model:         up.Model,
		Temperature:   up.Temperature,
		MaxTokens:     up.MaxTokens,
		MaxRetries:    up.Retries(),
		HeaderTimeout: up.Timeout,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating completion client: %w", err)
	}
	return client, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := newCompletionClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, s, client, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway assembles a gateway around an existing store and streamer.
func newGateway(cfg *config.Config, s store.Store, streamer chat.Streamer, logger *slog.Logger) (*Gateway, error) {
	if cfg.Broadcast.SocketPingInterval <= 0 {
		c := *cfg
		c.Broadcast.SocketPingInterval = config.DefaultPingInterval
		cfg = &c
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	registry := broadcast.NewRegistry(broadcast.Config{
		SSEIdleTimeout: cfg.Broadcast.SSEIdleTimeout,
		QueueSize:      cfg.Broadcast.SinkBuffer,
	}, logger)

	chatService := chat.New(chat.Config{
		StreamTimeout:      cfg.Chat.StreamTimeout,
		SystemPrompt:       cfg.Chat.SystemPrompt,
		ContextTokenBudget: cfg.Chat.ContextTokenBudget,
		ContextMaxMessages: cfg.Chat.ContextMaxMessages,
	}, s, streamer, registry, logger)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: registry,
		chat:     chatService,
		dedupe:   dedupe.New(dedupe.Config{TTL: 5 * time.Minute, MaxSize: 100_000}),
		logger:   logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	gw.registerRoutes(mux, auth.HTTPAuthMiddleware(verifier, logger))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the HTTP server and blocks until ctx is canceled or the server
// fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.serve(ctx, ln)
}

func (g *Gateway) serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		// The run context is already canceled; shutdown gets its own deadline
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops in-flight iterations, disconnects listeners, stops the HTTP
// server and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// Iterations first, so listeners hear about the interruption
	g.chat.Close()
	g.registry.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	return errors.Join(errs...)
}

// pinger is implemented by stores that can check their connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := g.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d listeners)", g.registry.Len())
}
