// Package server is the HTTP front door: event intake plus a small operator
// API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/server/handler"
	"github.com/alanyoungcy/signalbot/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port   int
	APIKey string // protects operator endpoints; empty disables auth

	// RateLimiter bounds intake requests per client IP when non-nil.
	RateLimiter        domain.RateLimiter
	RateLimitPerMinute int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Intake    *handler.IntakeHandler
	Status    *handler.StatusHandler
	Trading   *handler.TradingHandler
	Ledger    *handler.LedgerHandler
	Decisions *handler.DecisionsHandler
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	// Intake (open, optionally rate limited).
	intake := func(h http.HandlerFunc) http.Handler {
		var wrapped http.Handler = h
		if cfg.RateLimiter != nil && cfg.RateLimitPerMinute > 0 {
			wrapped = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimitPerMinute, time.Minute, logger)(wrapped)
		}
		return wrapped
	}
	mux.Handle("POST /notify/web-monitor", intake(handlers.Intake.WebMonitor))
	mux.Handle("POST /api/events", intake(handlers.Intake.Event))

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Operator endpoints.
	auth := middleware.Auth(cfg.APIKey, logger)
	mux.Handle("GET /api/status", auth(http.HandlerFunc(handlers.Status.GetStatus)))
	mux.Handle("POST /api/trading/ack", auth(http.HandlerFunc(handlers.Trading.Acknowledge)))
	mux.Handle("GET /api/ledger/{source}/{content_id}", auth(http.HandlerFunc(handlers.Ledger.GetEntry)))
	mux.Handle("GET /api/decisions/recent", auth(http.HandlerFunc(handlers.Decisions.Recent)))

	h := middleware.Logging(logger)(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Intake waits for analysis and order placement.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
