// Package server is the agent's lifecycle orchestrator: it runs the hub
// session client alongside the status HTTP listener and drives graceful
// shutdown when the process receives a termination signal.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/podpilot/podpilot/agent/internal/api"
	"github.com/podpilot/podpilot/agent/internal/session"
)

// ShutdownGrace bounds how long the session client is given to close
// cleanly once shutdown begins.
const ShutdownGrace = 5 * time.Second

// Config holds everything the orchestrator needs to start.
type Config struct {
	StatusAddr string
	Session    session.Config
	Logger     *zap.Logger
}

// Server owns the agent's session client and status HTTP listener for the
// lifetime of the process.
type Server struct {
	httpServer *http.Server
	client     *session.Client
	logger     *zap.Logger
}

// New builds a Server ready to Run.
func New(cfg Config) *Server {
	client := session.New(cfg.Session, cfg.Logger)
	router := api.NewRouter(client, cfg.Logger)

	return &Server{
		httpServer: &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: router,
		},
		client: client,
		logger: cfg.Logger.Named("server"),
	}
}

// Run starts the session client and status listener, then blocks until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		s.client.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("status endpoint listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- fmt.Errorf("status http server: %w", err)
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		s.client.Shutdown()
		<-sessionDone
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.client.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("status http server shutdown did not complete cleanly", zap.Error(err))
	}

	select {
	case <-sessionDone:
	case <-time.After(ShutdownGrace):
		s.logger.Warn("session client did not stop within shutdown grace period")
	}

	return nil
}
