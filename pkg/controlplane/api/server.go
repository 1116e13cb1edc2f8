// Package api serves a node's per-nexus REST API: a thin chi router in
// front of pkg/controlplane/manager, returning RFC 7807 problem responses
// for every nexuserr.Kind.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nexuscore/nexusd/internal/logger"
	"github.com/nexuscore/nexusd/pkg/config"
	"github.com/nexuscore/nexusd/pkg/controlplane/manager"
)

// Server is the node's control-plane HTTP server.
type Server struct {
	server       *http.Server
	port         int
	shutdownOnce sync.Once
}

// NewServer builds a Server from cfg and mgr. ready, if non-nil, backs the
// readiness probe (e.g. "has startup replay finished").
func NewServer(cfg config.ControlPlaneConfig, mgr *manager.Manager, ready func() bool) *Server {
	router := NewRouter(mgr, ready)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
		port: cfg.Port,
	}
}

// Start serves the API and blocks until ctx is cancelled or the listener
// fails. On cancellation it shuts down gracefully with a 5s deadline.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Control-plane API server listening", "port", s.port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("control-plane API server failed: %w", err)
	}
}

// Stop gracefully shuts down the server. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("control-plane API server shutdown: %w", err)
		} else {
			logger.Info("Control-plane API server stopped")
		}
	})
	return shutdownErr
}

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }
