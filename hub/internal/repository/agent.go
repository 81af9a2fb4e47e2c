package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/podpilot/podpilot/hub/internal/db"
	"github.com/podpilot/podpilot/shared/types"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(gdb *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: gdb}
}

// Create inserts a new agent record into the database.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its UUID. Returns ErrNotFound if no record
// exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// FindActiveByIdentity looks up a non-terminated agent by its natural key:
// (tailscale_ip, provider_instance_id). This is the lookup the identity
// resolver performs on every registration to decide reuse vs. create.
// Returns ErrNotFound if no matching row exists.
func (r *gormAgentRepository) FindActiveByIdentity(ctx context.Context, tailscaleIP string, providerInstanceID *string) (*db.Agent, error) {
	query := r.db.WithContext(ctx).
		Where("tailscale_ip = ?", tailscaleIP).
		Where("terminated_at IS NULL")

	if providerInstanceID != nil {
		query = query.Where("provider_instance_id = ?", *providerInstanceID)
	} else {
		query = query.Where("provider_instance_id IS NULL")
	}

	var agent db.Agent
	err := query.First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: find active by identity: %w", err)
	}
	return &agent, nil
}

// Update persists all fields of an existing agent record.
func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the status field of an agent (GORM's
// auto-managed updated_at still advances). It never touches last_seen_at —
// that is the staleness reaper's liveness marker, and status transitions
// driven by registration or the reaper itself must not mask or refresh it.
// Use UpdateLastSeen for that column.
func (r *gormAgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status types.AgentStatus) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("agents: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastSeen updates only the last_seen_at field of an agent. Called on
// every heartbeat ack — touching one column avoids write amplification on
// the full row and leaves status untouched.
func (r *gormAgentRepository) UpdateLastSeen(ctx context.Context, id uuid.UUID, lastSeenAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("last_seen_at", lastSeenAt)
	if result.Error != nil {
		return fmt.Errorf("agents: update last seen: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTerminated sets status to Terminated and stamps terminated_at. Used by
// shutdown paths and administrative eviction, not by the staleness reaper
// (which transitions to Error, not Terminated).
func (r *gormAgentRepository) MarkTerminated(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        types.AgentStatusTerminated,
			"terminated_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: mark terminated: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindStale returns the IDs of agents whose status implies a live session
// but whose last_seen_at is older than olderThan. Used by the staleness
// reaper — see repository.AgentRepository.
func (r *gormAgentRepository) FindStale(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	connected := []types.AgentStatus{
		types.AgentStatusReady,
		types.AgentStatusRunning,
		types.AgentStatusIdle,
	}

	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("status IN ?", connected).
		Where("last_seen_at < ?", olderThan).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("agents: find stale: %w", err)
	}
	return ids, nil
}

// List returns a paginated list of agents and the total count.
func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}
