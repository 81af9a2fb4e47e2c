// Package identity resolves the persisted Agent record for an incoming
// registration. An agent's identity is the tuple (tailscale_ip,
// provider_instance_id): if a non-terminated row already matches that
// tuple, it is reused and refreshed in place; otherwise a new row is
// created with status Registering.
//
// Reuse exists because ephemeral GPU instances commonly crash-loop or are
// restarted by their orchestrator without a change of overlay IP or
// provider instance ID — without this, every such restart would orphan the
// old row and accumulate duplicate history for what is operationally the
// same machine.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/podpilot/podpilot/hub/internal/db"
	"github.com/podpilot/podpilot/hub/internal/repository"
	"github.com/podpilot/podpilot/shared/protocol"
	"github.com/podpilot/podpilot/shared/types"
)

// Resolver reuses-or-creates agent records by identity.
type Resolver struct {
	agents repository.AgentRepository
}

// New returns a Resolver backed by the given repository.
func New(agents repository.AgentRepository) *Resolver {
	return &Resolver{agents: agents}
}

// Resolve reuses-or-creates the Agent record matching msg's identity tuple
// and returns it. The returned record always has status Registering and an
// up-to-date RegisteredAt/LastSeenAt pair; the caller (C4) persists any
// further status transition once the session is fully established.
func (r *Resolver) Resolve(ctx context.Context, msg protocol.RegisterMessage) (*db.Agent, error) {
	now := time.Now().UTC()

	existing, err := r.agents.FindActiveByIdentity(ctx, msg.TailscaleIP, msg.ProviderInstanceID)
	switch {
	case err == nil:
		existing.Hostname = msg.Hostname
		existing.Status = types.AgentStatusRegistering
		existing.RegisteredAt = now
		existing.LastSeenAt = &now
		existing.AgentVersion = msg.AgentVersion
		existing.GpuInfo = &db.JSON[types.GpuInfo]{Value: msg.GpuInfo}
		if updErr := r.agents.Update(ctx, existing); updErr != nil {
			return nil, fmt.Errorf("identity: update existing agent: %w", updErr)
		}
		return existing, nil

	case errors.Is(err, repository.ErrNotFound):
		id, genErr := uuid.NewV7()
		if genErr != nil {
			return nil, fmt.Errorf("identity: generate agent id: %w", genErr)
		}
		agent := &db.Agent{
			Provider:           msg.Provider,
			ProviderInstanceID: msg.ProviderInstanceID,
			Hostname:           msg.Hostname,
			Status:             types.AgentStatusRegistering,
			TailscaleIP:        msg.TailscaleIP,
			AgentVersion:       msg.AgentVersion,
			GpuInfo:            &db.JSON[types.GpuInfo]{Value: msg.GpuInfo},
			RegisteredAt:       now,
			LastSeenAt:         &now,
		}
		agent.ID = id
		if createErr := r.agents.Create(ctx, agent); createErr != nil {
			return nil, fmt.Errorf("identity: create agent: %w", createErr)
		}
		return agent, nil

	default:
		return nil, fmt.Errorf("identity: lookup by identity: %w", err)
	}
}
