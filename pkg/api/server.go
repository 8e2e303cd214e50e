package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/deuce/internal/logger"
	"github.com/marmos91/deuce/pkg/blocks"
	"github.com/marmos91/deuce/pkg/config"
	"github.com/marmos91/deuce/pkg/files"
	"github.com/marmos91/deuce/pkg/storageblocks"
	"github.com/marmos91/deuce/pkg/vault"
)

// Services bundles the four domain services a Server dispatches to.
type Services struct {
	Vaults        *vault.Service
	Blocks        *blocks.Service
	Files         *files.Service
	StorageBlocks *storageblocks.Service
}

// Server is the block storage HTTP API server.
//
// The server shuts down gracefully: Start allows a fixed 5-second timeout
// when its context is cancelled, and Stop is bounded by the caller's context.
type Server struct {
	server       *http.Server
	config       Config
	shutdownOnce sync.Once
}

// NewServer creates a new API HTTP server in a stopped state. Call Start to
// begin serving requests.
func NewServer(cfg Config, services Services, backends *config.Backends) *Server {
	router := NewRouter(services, backends, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{server: server, config: cfg}
}

// Start starts the API HTTP server and blocks until ctx is cancelled or an
// error occurs. On cancellation, Start initiates graceful shutdown and
// returns.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "port", s.config.Port)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times and
// concurrently with Start.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("API server shutdown initiated")
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", "error", err)
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int {
	return s.config.Port
}
