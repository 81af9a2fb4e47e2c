// Package repository holds the GORM-backed persistence interfaces and
// implementations used by the hub. AgentRepository is the only one this
// core needs — the higher-level RPC services this spec treats as
// out-of-scope collaborators (asset upload, job dispatch) own their own
// repositories elsewhere.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/podpilot/podpilot/hub/internal/db"
	"github.com/podpilot/podpilot/shared/types"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// AgentRepository persists the agent identity records the identity
// resolver (C7), the session handler (C4), and the staleness reaper (C6)
// operate on.
type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	FindActiveByIdentity(ctx context.Context, tailscaleIP string, providerInstanceID *string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status types.AgentStatus) error
	UpdateLastSeen(ctx context.Context, id uuid.UUID, lastSeenAt time.Time) error
	MarkTerminated(ctx context.Context, id uuid.UUID, at time.Time) error
	FindStale(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error)
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
}
