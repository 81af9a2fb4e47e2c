package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podpilot/podpilot/hub/internal/db"
	"github.com/podpilot/podpilot/hub/internal/registry"
	"github.com/podpilot/podpilot/hub/internal/repository"
)

// AgentHandler exposes a read-only view of the fleet: persisted identity
// from the repository joined with live connection state from the registry.
// This core does not create or mutate agents over HTTP — that only happens
// through registration over the WebSocket protocol.
type AgentHandler struct {
	repo     repository.AgentRepository
	registry *registry.Registry
	logger   *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(repo repository.AgentRepository, reg *registry.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		repo:     repo,
		registry: reg,
		logger:   logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent returned by the API.
type agentResponse struct {
	ID                 string  `json:"id"`
	Provider           string  `json:"provider"`
	ProviderInstanceID *string `json:"provider_instance_id,omitempty"`
	Hostname           string  `json:"hostname"`
	Status             string  `json:"status"`
	TailscaleIP        string  `json:"tailscale_ip"`
	AgentVersion       string  `json:"agent_version,omitempty"`
	Connected          bool    `json:"connected"`
	RegisteredAt       string  `json:"registered_at"`
	LastSeenAt         *string `json:"last_seen_at"`
}

func (h *AgentHandler) toResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		ID:                 a.ID.String(),
		Provider:           string(a.Provider),
		ProviderInstanceID: a.ProviderInstanceID,
		Hostname:           a.Hostname,
		Status:             string(a.Status),
		TailscaleIP:        a.TailscaleIP,
		AgentVersion:       a.AgentVersion,
		Connected:          h.registry.IsConnected(a.ID),
		RegisteredAt:       a.RegisteredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if a.LastSeenAt != nil {
		s := a.LastSeenAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.LastSeenAt = &s
	}
	return resp
}

// listAgentsResponse wraps a paginated list of agents.
type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	agents, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = h.toResponse(&agents[i])
	}

	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, h.toResponse(agent))
}

// Health handles GET /healthz. A trivial liveness probe for the hub
// process itself, independent of the database or any agent session.
func (h *AgentHandler) Health(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"status": "ok", "connected_agents": h.registry.Count()})
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		errJSON(w, http.StatusBadRequest, "invalid "+param+": must be a valid UUID", "bad_request")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repository.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repository.ListOptions{Limit: limit, Offset: offset}
}
