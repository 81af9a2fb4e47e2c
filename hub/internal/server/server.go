// Package server is the hub's lifecycle orchestrator (C8): it wires the
// registry, the heartbeat fanout task, the staleness reaper, and the
// agent-facing HTTP/WebSocket listener together, then drives graceful
// shutdown when the process receives a termination signal.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/podpilot/podpilot/hub/internal/api"
	"github.com/podpilot/podpilot/hub/internal/heartbeat"
	"github.com/podpilot/podpilot/hub/internal/identity"
	"github.com/podpilot/podpilot/hub/internal/reaper"
	"github.com/podpilot/podpilot/hub/internal/registry"
	"github.com/podpilot/podpilot/hub/internal/repository"
	"github.com/podpilot/podpilot/hub/internal/session"
)

// DefaultShutdownGrace is used when Config.ShutdownGrace is left zero.
const DefaultShutdownGrace = 8 * time.Second

// Config holds everything the orchestrator needs to start serving.
type Config struct {
	ListenAddr string
	DB         *gorm.DB
	Logger     *zap.Logger

	// HubVersion is reported to agents in every RegisterAckMessage.
	HubVersion string

	// ShutdownGrace bounds how long in-flight HTTP requests and WebSocket
	// sessions are given to wind down once shutdown begins. Defaults to
	// DefaultShutdownGrace when zero.
	ShutdownGrace time.Duration
}

// Server owns the hub's background tasks and HTTP listener for the
// lifetime of the process.
type Server struct {
	httpServer    *http.Server
	logger        *zap.Logger
	shutdownGrace time.Duration

	heartbeatTask *heartbeat.Task
	reaperTask    *reaper.Task
}

// New builds a Server ready to Run.
func New(cfg Config) *Server {
	agents := repository.NewAgentRepository(cfg.DB)
	reg := registry.New(cfg.Logger)
	resolver := identity.New(agents)

	sessionHandler := session.New(resolver, agents, reg, cfg.HubVersion, cfg.Logger)
	heartbeatTask := heartbeat.New(reg, cfg.Logger)
	reaperTask := reaper.New(agents, reg, cfg.Logger)

	router := api.NewRouter(api.RouterConfig{
		Agents:   agents,
		Registry: reg,
		Session:  sessionHandler,
		Logger:   cfg.Logger,
	})

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	return &Server{
		httpServer: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: router,
		},
		logger:        cfg.Logger.Named("server"),
		shutdownGrace: grace,
		heartbeatTask: heartbeatTask,
		reaperTask:    reaperTask,
	}
}

// Run starts the background tasks and the HTTP listener, then blocks until
// ctx is cancelled. On cancellation it shuts down the HTTP server with
// ShutdownGrace and waits for the background tasks to exit.
func (s *Server) Run(ctx context.Context) error {
	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	tasksDone := make(chan struct{})
	go func() {
		defer close(tasksDone)
		heartbeatDone := make(chan struct{})
		go func() {
			defer close(heartbeatDone)
			s.heartbeatTask.Run(taskCtx)
		}()
		s.reaperTask.Run(taskCtx)
		<-heartbeatDone
	}()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("hub listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- fmt.Errorf("http server: %w", err)
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		cancelTasks()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}

	cancelTasks()
	<-tasksDone

	return nil
}
