// ABOUTME: Gateway orchestrator that wires the store, pipeline, and HTTP server
// ABOUTME: Owns component lifecycle from config load to graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/pipeline"
	"github.com/2389/parley/internal/responder"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// Gateway orchestrates the parley server components: the SQLite store, the
// session resolver, the message pipeline, and the HTTP API on top of them.
type Gateway struct {
	config     *config.Config
	store      store.Store
	sessions   *session.Resolver
	pipeline   *pipeline.Pipeline
	dedupe     *dedupe.Cache
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Gateway from configuration, opening the store and wiring
// the pipeline against the configured responder webhook.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	resolver := session.New(s, cfg.Session.FreshnessWindow, logger)

	gatewayClient := responder.New(cfg.Responder.URL, nil, logger)

	var opts []pipeline.Option
	if cfg.Responder.AckText != "" {
		opts = append(opts, pipeline.WithAckText(cfg.Responder.AckText))
	}
	if cfg.Responder.HistoryLimit > 0 {
		opts = append(opts, pipeline.WithHistoryLimit(cfg.Responder.HistoryLimit))
	}
	pipe := pipeline.New(resolver, s, gatewayClient, logger, opts...)

	ttl := cfg.Dedupe.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxEntries := cfg.Dedupe.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	g := &Gateway{
		config:   cfg,
		store:    s,
		sessions: resolver,
		pipeline: pipe,
		dedupe:   dedupe.New(ttl, maxEntries),
		logger:   logger.With("component", "gateway"),
	}
	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.routes(),
	}
	return g, nil
}

// routes builds the HTTP handler for the API surface.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/send", g.handleSend)
	mux.HandleFunc("/api/messages", g.handleListMessages)
	mux.HandleFunc("/api/sessions", g.handleSessions)
	mux.HandleFunc("/api/sessions/", g.handleGetSession)
	mux.HandleFunc("/healthz", g.handleHealth)
	return mux
}

// Start runs the HTTP server until the context is cancelled, then shuts
// down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("http shutdown failed", "error", err)
	}

	g.dedupe.Close()
	if err := g.store.Close(); err != nil {
		g.logger.Error("store close failed", "error", err)
	}
	g.logger.Info("gateway stopped")
	return nil
}

// handleHealth handles GET /healthz.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}
