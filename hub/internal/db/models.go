// Package db provides the GORM-backed persistence layer: connection setup
// for SQLite and PostgreSQL, embedded schema migrations, and the Agent
// model. There is no soft-delete here — an agent's terminal state is
// recorded in-row via Status/TerminatedAt, matching the source schema this
// was modeled on.
package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/podpilot/podpilot/shared/types"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Agent is the persisted record for a fleet worker, keyed by its identity
// tuple (tailscale_ip, provider_instance_id) among non-terminated rows,
// resolved by the identity resolver on every registration.
type Agent struct {
	base

	Provider           types.ProviderType `gorm:"column:provider;not null"`
	ProviderInstanceID *string            `gorm:"column:provider_instance_id"`
	Hostname           string             `gorm:"column:hostname;not null"`
	Status             types.AgentStatus  `gorm:"column:status;not null"`
	TailscaleIP        string             `gorm:"column:tailscale_ip;not null"`
	AgentVersion       string             `gorm:"column:agent_version"`
	GpuInfo            *JSON[types.GpuInfo] `gorm:"column:gpu_info;type:text"`

	RegisteredAt time.Time  `gorm:"column:registered_at;not null"`
	LastSeenAt   *time.Time `gorm:"column:last_seen_at"`
	TerminatedAt *time.Time `gorm:"column:terminated_at"`
}

// TableName pins the table name explicitly rather than relying on GORM's
// pluralization, matching the schema in the embedded migration.
func (Agent) TableName() string { return "agents" }

// JSON is a small generic GORM scalar adapter that stores a Go value as a
// JSON text column. Used for Agent.GpuInfo since GORM has no native JSON
// column type for the sqlite driver used here.
type JSON[T any] struct {
	Value T
}

// Scan implements sql.Scanner.
func (j *JSON[T]) Scan(value any) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return nil
	}
	return json.Unmarshal(raw, &j.Value)
}

// Value implements driver.Valuer.
func (j JSON[T]) Value() (any, error) {
	raw, err := json.Marshal(j.Value)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
