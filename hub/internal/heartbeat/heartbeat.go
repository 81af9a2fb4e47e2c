// Package heartbeat implements the hub's periodic heartbeat fanout: every
// tick, a HeartbeatMessage carrying a monotonically increasing per-agent
// sequence number is pushed to every connected agent. An agent's
// connection-level liveness is judged by whether it acks these in time
// (see hub/internal/session), not by this package.
package heartbeat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podpilot/podpilot/hub/internal/registry"
	"github.com/podpilot/podpilot/shared/protocol"
)

// Interval is how often the fanout task ticks.
const Interval = 10 * time.Second

// Task periodically sends a heartbeat to every connected agent.
type Task struct {
	registry *registry.Registry
	logger   *zap.Logger

	// sequences is owned exclusively by Run's goroutine — no lock needed.
	// Removing an agent's entry on send failure means the next successful
	// connection for that ID restarts sequence numbering at 1, matching
	// the reference fanout task this was modeled on.
	sequences map[uuid.UUID]uint64
}

// New returns a fanout Task bound to the given registry.
func New(reg *registry.Registry, logger *zap.Logger) *Task {
	return &Task{
		registry:  reg,
		logger:    logger.Named("heartbeat"),
		sequences: make(map[uuid.UUID]uint64),
	}
}

// Run blocks, ticking every Interval until ctx is cancelled.
func (t *Task) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Task) tick() {
	now := time.Now().UTC()
	for _, agentID := range t.registry.ConnectedIDs() {
		t.sequences[agentID]++
		seq := t.sequences[agentID]

		msg := protocol.HeartbeatMessage{
			CorrelationID: uuid.New(),
			Timestamp:     now,
			Sequence:      seq,
		}

		frame, err := protocol.Marshal(protocol.TypeHeartbeat, msg)
		if err != nil {
			t.logger.Error("failed to encode heartbeat", zap.Error(err))
			continue
		}

		if err := t.registry.Send(agentID, frame); err != nil {
			t.logger.Warn("failed to send heartbeat, dropping sequence state",
				zap.String("agent_id", agentID.String()),
				zap.Error(err),
			)
			delete(t.sequences, agentID)
		}
	}
}
