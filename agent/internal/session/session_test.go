package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/podpilot/podpilot/shared/protocol"
	"github.com/podpilot/podpilot/shared/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newTestHub(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go handle(conn)
	}))
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientCompletesRegistrationHandshake(t *testing.T) {
	received := make(chan protocol.RegisterMessage, 1)

	srv := newTestHub(t, func(conn *websocket.Conn) {
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msgType, payload, err := protocol.Unmarshal(raw)
		if err != nil || msgType != protocol.TypeRegister {
			return
		}
		msg := payload.(protocol.RegisterMessage)
		received <- msg

		ackFrame, _ := protocol.Marshal(protocol.TypeRegisterAck, protocol.RegisterAckMessage{
			CorrelationID: msg.CorrelationID,
			AgentID:       uuid.New(),
			HubVersion:    "1.4.0",
			RegisteredAt:  time.Now().UTC(),
		})
		conn.WriteMessage(websocket.TextMessage, ackFrame)

		conn.ReadMessage() // block until the test closes the client
	})
	defer srv.Close()

	client := New(Config{
		HubURL:             wsURL(t, srv),
		Provider:           types.ProviderLocal,
		ProviderInstanceID: "test-instance",
		Hostname:           "gpu-box-01",
		TailscaleIP:        "100.64.0.5",
		AgentVersion:       "1.3.0",
		GpuInfoFn:          func() types.GpuInfo { return types.GpuInfo{Name: "RTX 4090"} },
		StateDir:           t.TempDir(),
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Shutdown()

	select {
	case msg := <-received:
		if msg.Hostname != "gpu-box-01" {
			t.Fatalf("hostname = %q, want gpu-box-01", msg.Hostname)
		}
		if msg.ProviderInstanceID == nil || *msg.ProviderInstanceID != "test-instance" {
			t.Fatalf("provider_instance_id = %v, want test-instance", msg.ProviderInstanceID)
		}
		if msg.CorrelationID == (uuid.UUID{}) {
			t.Fatal("expected a non-zero correlation id on the register message")
		}
		if msg.AgentVersion != "1.3.0" {
			t.Fatalf("agent_version = %q, want 1.3.0", msg.AgentVersion)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for register message")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := client.AgentID(); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for agent id to be set after register_ack")
}

func TestResolveInstanceIDPersistsGeneratedID(t *testing.T) {
	stateDir := t.TempDir()
	client := New(Config{
		Hostname: "gpu-box-01",
		StateDir: stateDir,
	}, zap.NewNop())

	first, err := client.resolveInstanceID()
	if err != nil {
		t.Fatalf("resolveInstanceID: %v", err)
	}
	if !strings.HasPrefix(first, "gpu-box-01-") {
		t.Fatalf("generated id = %q, want prefix gpu-box-01-", first)
	}

	second := New(Config{
		Hostname: "gpu-box-01",
		StateDir: stateDir,
	}, zap.NewNop())
	got, err := second.resolveInstanceID()
	if err != nil {
		t.Fatalf("resolveInstanceID: %v", err)
	}
	if got != first {
		t.Fatalf("resolveInstanceID on restart = %q, want persisted %q", got, first)
	}
}

func TestResolveInstanceIDHonorsConfiguredID(t *testing.T) {
	client := New(Config{
		Hostname:           "gpu-box-01",
		ProviderInstanceID: "explicit-id",
		StateDir:           t.TempDir(),
	}, zap.NewNop())

	got, err := client.resolveInstanceID()
	if err != nil {
		t.Fatalf("resolveInstanceID: %v", err)
	}
	if got != "explicit-id" {
		t.Fatalf("resolveInstanceID = %q, want explicit-id", got)
	}
}

func TestClientAcksHeartbeat(t *testing.T) {
	ackReceived := make(chan protocol.HeartbeatAckMessage, 1)
	heartbeatCorrelationID := uuid.New()

	srv := newTestHub(t, func(conn *websocket.Conn) {
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_, payload, err := protocol.Unmarshal(raw)
		if err != nil {
			return
		}
		registerMsg := payload.(protocol.RegisterMessage)

		ackFrame, _ := protocol.Marshal(protocol.TypeRegisterAck, protocol.RegisterAckMessage{
			CorrelationID: registerMsg.CorrelationID,
			AgentID:       uuid.New(),
			RegisteredAt:  time.Now().UTC(),
		})
		conn.WriteMessage(websocket.TextMessage, ackFrame)

		hbFrame, _ := protocol.Marshal(protocol.TypeHeartbeat, protocol.HeartbeatMessage{
			CorrelationID: heartbeatCorrelationID,
			Timestamp:     time.Now().UTC(),
			Sequence:      1,
		})
		conn.WriteMessage(websocket.TextMessage, hbFrame)

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgType, payload, err := protocol.Unmarshal(raw)
			if err != nil {
				continue
			}
			if msgType == protocol.TypeHeartbeatAck {
				ackReceived <- payload.(protocol.HeartbeatAckMessage)
			}
		}
	})
	defer srv.Close()

	client := New(Config{
		HubURL:      wsURL(t, srv),
		Provider:    types.ProviderLocal,
		Hostname:    "gpu-box-01",
		TailscaleIP: "100.64.0.5",
		GpuInfoFn:   func() types.GpuInfo { return types.GpuInfo{} },
		StateDir:    t.TempDir(),
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Shutdown()

	select {
	case ack := <-ackReceived:
		if ack.CorrelationID != heartbeatCorrelationID {
			t.Fatalf("correlation id = %v, want %v", ack.CorrelationID, heartbeatCorrelationID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for heartbeat ack")
	}
}
