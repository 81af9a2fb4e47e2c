package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podpilot/podpilot/hub/internal/db"
	"github.com/podpilot/podpilot/hub/internal/registry"
	"github.com/podpilot/podpilot/hub/internal/repository"
	"github.com/podpilot/podpilot/shared/types"
)

// fakeCloser stands in for the agent's *websocket.Conn in registry.Register.
type fakeCloser struct{}

func (fakeCloser) Close() error { return nil }

type fakeAgentRepository struct {
	byID map[uuid.UUID]*db.Agent
}

func newFakeAgentRepository() *fakeAgentRepository {
	return &fakeAgentRepository{byID: make(map[uuid.UUID]*db.Agent)}
}

func (f *fakeAgentRepository) Create(_ context.Context, agent *db.Agent) error {
	f.byID[agent.ID] = agent
	return nil
}

func (f *fakeAgentRepository) GetByID(_ context.Context, id uuid.UUID) (*db.Agent, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (f *fakeAgentRepository) FindActiveByIdentity(_ context.Context, _ string, _ *string) (*db.Agent, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeAgentRepository) Update(_ context.Context, agent *db.Agent) error {
	f.byID[agent.ID] = agent
	return nil
}

func (f *fakeAgentRepository) UpdateStatus(_ context.Context, id uuid.UUID, status types.AgentStatus) error {
	a, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Status = status
	return nil
}

func (f *fakeAgentRepository) UpdateLastSeen(_ context.Context, id uuid.UUID, lastSeenAt time.Time) error {
	a, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.LastSeenAt = &lastSeenAt
	return nil
}

func (f *fakeAgentRepository) MarkTerminated(_ context.Context, id uuid.UUID, at time.Time) error {
	a, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Status = types.AgentStatusTerminated
	a.TerminatedAt = &at
	return nil
}

func (f *fakeAgentRepository) FindStale(_ context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, a := range f.byID {
		if a.Status.Connected() && a.LastSeenAt != nil && a.LastSeenAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeAgentRepository) List(_ context.Context, _ repository.ListOptions) ([]db.Agent, int64, error) {
	out := make([]db.Agent, 0, len(f.byID))
	for _, a := range f.byID {
		out = append(out, *a)
	}
	return out, int64(len(out)), nil
}

func TestSweepEvictsStaleAgents(t *testing.T) {
	repo := newFakeAgentRepository()
	reg := registry.New(zap.NewNop())
	task := New(repo, reg, zap.NewNop())
	ctx := context.Background()

	staleSeen := time.Now().UTC().Add(-time.Minute)
	fresh := time.Now().UTC()

	staleID := uuid.New()
	repo.byID[staleID] = &db.Agent{Status: types.AgentStatusReady, LastSeenAt: &staleSeen}
	reg.Register(staleID, "stale-agent", &fakeCloser{})

	freshID := uuid.New()
	repo.byID[freshID] = &db.Agent{Status: types.AgentStatusReady, LastSeenAt: &fresh}
	reg.Register(freshID, "fresh-agent", &fakeCloser{})

	task.sweep(ctx)

	if repo.byID[staleID].Status != types.AgentStatusError {
		t.Fatalf("stale agent status = %q, want %q", repo.byID[staleID].Status, types.AgentStatusError)
	}
	if !repo.byID[staleID].LastSeenAt.Equal(staleSeen) {
		t.Fatalf("last_seen_at changed to %v, want it left at %v", repo.byID[staleID].LastSeenAt, staleSeen)
	}
	if reg.IsConnected(staleID) {
		t.Fatal("expected stale agent to be evicted from the registry")
	}

	if repo.byID[freshID].Status != types.AgentStatusReady {
		t.Fatalf("fresh agent status changed to %q", repo.byID[freshID].Status)
	}
	if !reg.IsConnected(freshID) {
		t.Fatal("expected fresh agent to remain connected")
	}
}

func TestSweepIgnoresAlreadyTerminalAgents(t *testing.T) {
	repo := newFakeAgentRepository()
	reg := registry.New(zap.NewNop())
	task := New(repo, reg, zap.NewNop())
	ctx := context.Background()

	staleSeen := time.Now().UTC().Add(-time.Minute)
	id := uuid.New()
	repo.byID[id] = &db.Agent{Status: types.AgentStatusTerminated, LastSeenAt: &staleSeen}

	task.sweep(ctx)

	if repo.byID[id].Status != types.AgentStatusTerminated {
		t.Fatalf("status changed to %q, want it to stay Terminated", repo.byID[id].Status)
	}
}
