package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/podpilot/podpilot/hub/internal/registry"
	"github.com/podpilot/podpilot/hub/internal/repository"
)

// RouterConfig holds all dependencies needed to build the hub's HTTP
// router.
type RouterConfig struct {
	Agents   repository.AgentRepository
	Registry *registry.Registry
	Session  http.Handler // the C4 WebSocket session handler
	Logger   *zap.Logger
}

// NewRouter builds the hub's status HTTP surface and mounts the agent
// WebSocket endpoint. This is the out-of-scope "status HTTP endpoint"
// collaborator — carried here only because the CLI's --port flag needs
// something to bind.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Agents, cfg.Registry, cfg.Logger)

	r.Get("/healthz", agentHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents", agentHandler.List)
		r.Get("/agents/{id}", agentHandler.GetByID)
	})

	r.Handle("/ws/agent", cfg.Session)

	return r
}
