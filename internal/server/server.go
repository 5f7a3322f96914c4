// Package server hosts the HTTP + WebSocket API for the pricing experiment
// engine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
	"github.com/lvlparking/pricelab/internal/server/handler"
	"github.com/lvlparking/pricelab/internal/server/middleware"
	"github.com/lvlparking/pricelab/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// CreateRateLimit throttles experiment creation per client IP within
	// CreateRateWindow. Zero disables the limiter.
	CreateRateLimit  int
	CreateRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server registers.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Experiments *handler.ExperimentHandler
	Policy      *handler.PolicyHandler
	Rates       *handler.RatesHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (logging, CORS, auth) wired up. limiter may be nil to
// disable creation throttling.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health and status (no auth-sensitive data).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Experiment lifecycle.
	var createExperiment http.Handler = http.HandlerFunc(handlers.Experiments.CreateExperiment)
	if limiter != nil && cfg.CreateRateLimit > 0 {
		window := cfg.CreateRateWindow
		if window <= 0 {
			window = time.Minute
		}
		createExperiment = middleware.RateLimit(limiter, cfg.CreateRateLimit, window)(createExperiment)
	}
	mux.Handle("POST /api/experiments", createExperiment)
	mux.HandleFunc("GET /api/experiments", handlers.Experiments.ListExperiments)
	mux.HandleFunc("GET /api/experiments/{id}", handlers.Experiments.GetExperiment)
	mux.HandleFunc("POST /api/experiments/{id}/evaluate", handlers.Experiments.EvaluateExperiment)
	mux.HandleFunc("POST /api/experiments/{id}/abort", handlers.Experiments.AbortExperiment)

	// Guardrail policy.
	mux.HandleFunc("GET /api/policy", handlers.Policy.GetPolicy)

	// Rate plans.
	mux.HandleFunc("POST /api/rates/infer", handlers.Rates.InferRates)
	mux.HandleFunc("GET /api/rates", handlers.Rates.ListRates)

	// Audit trail.
	mux.HandleFunc("GET /api/audit", handlers.Experiments.ListAudit)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
