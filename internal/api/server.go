// Package api exposes a small operator HTTP surface over the engine:
// health, status, the strategy list, kill switch control and a manual
// cycle trigger. It serves JSON only and binds to localhost by default.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/store"
)

// Server runs the operator HTTP API.
type Server struct {
	cfg      config.APIConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg config.APIConfig, eng EngineControl, st *store.Store, logger *slog.Logger) *Server {
	handlers := NewHandlers(eng, st, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/strategies", handlers.HandleStrategies)
	mux.HandleFunc("/api/kill", handlers.HandleKill)
	mux.HandleFunc("/api/reset", handlers.HandleReset)
	mux.HandleFunc("/api/cycle", handlers.HandleCycle)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // manual cycles can be slow
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
