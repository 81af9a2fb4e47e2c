package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/podpilot/podpilot/hub/internal/db"
	"github.com/podpilot/podpilot/hub/internal/identity"
	"github.com/podpilot/podpilot/hub/internal/registry"
	"github.com/podpilot/podpilot/hub/internal/repository"
	"github.com/podpilot/podpilot/shared/protocol"
	"github.com/podpilot/podpilot/shared/types"
)

type fakeAgentRepository struct {
	byID map[uuid.UUID]*db.Agent
}

func newFakeAgentRepository() *fakeAgentRepository {
	return &fakeAgentRepository{byID: make(map[uuid.UUID]*db.Agent)}
}

func (f *fakeAgentRepository) Create(_ context.Context, agent *db.Agent) error {
	if agent.ID == (uuid.UUID{}) {
		agent.ID = uuid.New()
	}
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
	a := f.byID[id]
	a.Status = types.AgentStatusTerminated
	a.TerminatedAt = &at
	return nil
}

func (f *fakeAgentRepository) FindStale(_ context.Context, _ time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeAgentRepository) List(_ context.Context, _ repository.ListOptions) ([]db.Agent, int64, error) {
	return nil, 0, nil
}

func TestSessionRegistrationHandshake(t *testing.T) {
	repo := newFakeAgentRepository()
	reg := registry.New(zap.NewNop())
	resolver := identity.New(repo)
	handler := New(resolver, repo, reg, "1.4.0", zap.NewNop())

	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	correlationID := uuid.New()
	registerFrame, err := protocol.Marshal(protocol.TypeRegister, protocol.RegisterMessage{
		CorrelationID: correlationID,
		Provider:      types.ProviderLocal,
		Hostname:      "gpu-box-01",
		TailscaleIP:   "100.64.0.5",
		AgentVersion:  "1.3.0",
		GpuInfo:       types.GpuInfo{Name: "RTX 4090"},
	})
	if err != nil {
		t.Fatalf("Marshal register: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, registerFrame); err != nil {
		t.Fatalf("write register: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read register_ack: %v", err)
	}

	msgType, payload, err := protocol.Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msgType != protocol.TypeRegisterAck {
		t.Fatalf("type = %q, want %q", msgType, protocol.TypeRegisterAck)
	}

	ack := payload.(protocol.RegisterAckMessage)
	if ack.AgentID == (uuid.UUID{}) {
		t.Fatal("expected a non-zero agent id in the register_ack")
	}
	if ack.CorrelationID != correlationID {
		t.Fatalf("correlation id = %v, want %v", ack.CorrelationID, correlationID)
	}
	if ack.HubVersion != "1.4.0" {
		t.Fatalf("hub_version = %q, want %q", ack.HubVersion, "1.4.0")
	}

	if !reg.IsConnected(ack.AgentID) {
		t.Fatal("expected the agent to appear in the registry after registration")
	}
	if repo.byID[ack.AgentID].Status != types.AgentStatusReady {
		t.Fatalf("status = %q, want %q", repo.byID[ack.AgentID].Status, types.AgentStatusReady)
	}
}

func TestSessionRejectsNonRegisterFirstFrame(t *testing.T) {
	repo := newFakeAgentRepository()
	reg := registry.New(zap.NewNop())
	resolver := identity.New(repo)
	handler := New(resolver, repo, reg, "1.4.0", zap.NewNop())

	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ackFrame, _ := protocol.Marshal(protocol.TypeHeartbeatAck, protocol.HeartbeatAckMessage{CorrelationID: uuid.New()})
	if err := conn.WriteMessage(websocket.TextMessage, ackFrame); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}

	msgType, _, err := protocol.Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msgType != protocol.TypeError {
		t.Fatalf("type = %q, want %q", msgType, protocol.TypeError)
	}
}
