// Package server exposes the agent pipeline over HTTP. It is a thin
// transport: request decoding, the response envelope, and the mapping from
// pipeline error kinds to status codes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/sensei/internal/ratelimit"
	"github.com/ashita-ai/sensei/internal/service/agents"
)

// Agents is the orchestrator surface the handlers call.
type Agents interface {
	RunCoachTurn(ctx context.Context, in agents.CoachTurnInput) (agents.CoachTurnResult, error)
	RunOverseerTurn(ctx context.Context, in agents.OverseerTurnInput) (agents.OverseerTurnResult, error)
	GenerateReport(ctx context.Context, in agents.ReportInput) (agents.ReportResult, error)
}

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the Sensei HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds dependencies and settings for New. Limiter may be nil
// to disable rate limiting.
type ServerConfig struct {
	Agents  Agents
	DB      Pinger
	Limiter ratelimit.Limiter
	Logger  *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Agents, cfg.DB, cfg.Logger, cfg.Version, cfg.MaxRequestBodyBytes)

	limited := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}, cfg.Logger)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/clients/{client_id}/coach", limited(http.HandlerFunc(h.HandleCoachTurn)))
	mux.Handle("POST /v1/coaches/{coach_id}/overseer", limited(http.HandlerFunc(h.HandleOverseerTurn)))
	mux.Handle("POST /v1/clients/{client_id}/reports", limited(http.HandlerFunc(h.HandleGenerateReport)))
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Outermost first: request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
