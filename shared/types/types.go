// Package types defines the domain types shared by the hub and the agent.
package types

import "time"

// ─── Provider ────────────────────────────────────────────────────────────────

// ProviderType identifies the cloud or bare-metal provider an agent runs on.
type ProviderType string

const (
	ProviderVastAI ProviderType = "vastai"
	ProviderRunpod ProviderType = "runpod"
	ProviderLocal  ProviderType = "local"
)

// ─── Agent ───────────────────────────────────────────────────────────────────

// AgentStatus represents the current lifecycle state of an agent as tracked
// by the hub. Transitions are driven by the registration handshake, the
// heartbeat fanout/ack cycle, and the staleness reaper.
type AgentStatus string

const (
	AgentStatusRegistering AgentStatus = "registering"
	AgentStatusReady       AgentStatus = "ready"
	AgentStatusRunning     AgentStatus = "running"
	AgentStatusIdle        AgentStatus = "idle"
	AgentStatusError       AgentStatus = "error"
	AgentStatusTerminated  AgentStatus = "terminated"
)

// Connected reports whether status implies an agent with a live session.
// The reaper only ever acts on agents in one of these states.
func (s AgentStatus) Connected() bool {
	switch s {
	case AgentStatusReady, AgentStatusRunning, AgentStatusIdle:
		return true
	default:
		return false
	}
}

// GpuInfo describes the GPU hardware an agent reports during registration.
// ComputeCapability is omitted from the wire form when unknown, matching the
// optional field in the source agent type this was modeled on.
type GpuInfo struct {
	Name              string  `json:"name"`
	MemoryGB          float32 `json:"memory_gb"`
	CUDAVersion       string  `json:"cuda_version"`
	ComputeCapability *string `json:"compute_capability,omitempty"`
}

// ─── Pagination ──────────────────────────────────────────────────────────────

// Page holds pagination parameters for list queries against the status API.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with a total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}

// TimeRange defines an inclusive time interval for filtering queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
