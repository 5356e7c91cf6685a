// Package api provides the HTTP operational API for the AVESA pipeline:
// health probes, schema drift inspection, and SCD integrity audits.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avesa-io/avesa/internal/api/middleware"
	"github.com/avesa-io/avesa/internal/storage"
)

type (
	// Server is the operational API server.
	Server struct {
		httpServer  *http.Server
		logger      *slog.Logger
		config      *ServerConfig
		startTime   time.Time
		conn        *storage.Connection
		schema      SchemaService
		audit       AuditService
		keyStore    storage.KeyStore
		rateLimiter middleware.RateLimiter
	}

	// ServerOption configures optional Server behavior.
	ServerOption func(*Server)
)

// WithKeyStore enables API key authentication backed by the given store.
func WithKeyStore(store storage.KeyStore) ServerOption {
	return func(s *Server) {
		s.keyStore = store
	}
}

// WithRateLimiter enables per-client rate limiting.
func WithRateLimiter(limiter middleware.RateLimiter) ServerOption {
	return func(s *Server) {
		s.rateLimiter = limiter
	}
}

// WithServerLogger overrides the default JSON logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the operational API server. conn may be nil when no
// storage backend is configured; the readiness probe then reports ready
// unconditionally.
func NewServer(
	cfg *ServerConfig,
	conn *storage.Connection,
	schema SchemaService,
	audit AuditService,
	opts ...ServerOption,
) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	server := &Server{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.LogLevel,
		})),
		config:    cfg,
		startTime: time.Now(),
		conn:      conn,
		schema:    schema,
		audit:     audit,
	}

	for _, opt := range opts {
		opt(server)
	}

	handler := middleware.Apply(
		http.MaxBytesHandler(server.newRouter(), cfg.MaxRequestSize),
		middleware.WithCorrelationID(),
		middleware.WithRecovery(server.logger),
		middleware.WithClientAuth(server.keyStore, server.logger),
		middleware.WithRateLimit(server.rateLimiter, server.logger),
		middleware.WithRequestLogger(server.logger),
		middleware.WithCORS(cfg),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server, nil
}

// Start runs the server until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Starting API server",
			slog.String("address", s.config.Address()),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server, waiting up to the configured
// shutdown timeout for in-flight requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	s.logger.Info("Server stopped")

	return nil
}
