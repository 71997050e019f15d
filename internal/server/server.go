package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	WebhookSecret string
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes wired.
func New(cfg ServerConfig, handlers *Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Webhook ingestion carries the shared-secret signature check; the rest of
	// the API does not.
	mux.Handle("POST /v1/webhooks",
		signatureMiddleware(cfg.WebhookSecret, http.HandlerFunc(handlers.handleWebhook)))
	mux.Handle("POST /v1/webhooks/sync",
		signatureMiddleware(cfg.WebhookSecret, http.HandlerFunc(handlers.handleWebhookSync)))

	mux.HandleFunc("POST /v1/threads", handlers.handleCreateThread)
	mux.HandleFunc("GET /v1/threads/{state_id}", handlers.handleGetThread)
	mux.HandleFunc("GET /v1/threads/{state_id}/events", handlers.handleGetEvents)
	mux.HandleFunc("GET /v1/queue/stats", handlers.handleQueueStats)

	mux.HandleFunc("GET /health", handlers.handleHealth)
	mux.HandleFunc("GET /version", handlers.handleVersion)

	var handler http.Handler = mux
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(logger, handler)
	handler = recoveryMiddleware(logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Handler exposes the fully wired handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, respecting the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
