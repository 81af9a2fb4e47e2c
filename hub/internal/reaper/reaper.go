// Package reaper implements the hub's staleness sweep: agents whose status
// implies a live session but who have not been heard from within
// StaleAfter are marked Error in the database and evicted from the
// connection registry. Marking happens before eviction so a concurrent
// heartbeat ack landing mid-sweep loses the race deterministically (the
// row update is the point of truth, not the registry).
package reaper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podpilot/podpilot/hub/internal/registry"
	"github.com/podpilot/podpilot/hub/internal/repository"
	"github.com/podpilot/podpilot/shared/types"
)

// Interval is how often the reaper sweeps for stale agents.
const Interval = 15 * time.Second

// StaleAfter is how long an agent may go without a successful heartbeat
// ack before it is considered dead.
const StaleAfter = 30 * time.Second

// Task periodically evicts agents that have gone stale.
type Task struct {
	agents   repository.AgentRepository
	registry *registry.Registry
	logger   *zap.Logger
}

// New returns a reaper Task bound to the given repository and registry.
func New(agents repository.AgentRepository, reg *registry.Registry, logger *zap.Logger) *Task {
	return &Task{
		agents:   agents,
		registry: reg,
		logger:   logger.Named("reaper"),
	}
}

// Run blocks, sweeping every Interval until ctx is cancelled.
func (t *Task) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Task) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-StaleAfter)

	staleIDs, err := t.agents.FindStale(ctx, cutoff)
	if err != nil {
		t.logger.Error("failed to query stale agents", zap.Error(err))
		return
	}

	for _, id := range staleIDs {
		t.reap(ctx, id)
	}
}

// reap handles a single stale agent. Failures are logged and do not stop
// the sweep from processing the remaining IDs.
func (t *Task) reap(ctx context.Context, id uuid.UUID) {
	if err := t.agents.UpdateStatus(ctx, id, types.AgentStatusError); err != nil {
		t.logger.Error("failed to mark stale agent as errored",
			zap.String("agent_id", id.String()),
			zap.Error(err),
		)
		return
	}

	t.registry.ForceRemove(id)

	t.logger.Warn("evicted stale agent",
		zap.String("agent_id", id.String()),
	)
}
