// Package session implements the hub side of a single agent's WebSocket
// connection: the registration handshake and the bidirectional pump that
// keeps it alive afterward.
//
// One Handle call runs for the lifetime of a connection. It never touches
// an agent's persisted Status on disconnect — a dropped connection is not
// itself an error; it is the staleness reaper's job (hub/internal/reaper)
// to decide an agent is dead after it misses its heartbeat deadline.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/podpilot/podpilot/hub/internal/identity"
	"github.com/podpilot/podpilot/hub/internal/registry"
	"github.com/podpilot/podpilot/hub/internal/repository"
	"github.com/podpilot/podpilot/shared/protocol"
	"github.com/podpilot/podpilot/shared/types"
)

const (
	// registrationTimeout bounds how long the hub waits for the first
	// frame after the WebSocket upgrade before giving up on the agent.
	registrationTimeout = 30 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler wires together everything a single agent session needs.
type Handler struct {
	resolver   *identity.Resolver
	agents     repository.AgentRepository
	registry   *registry.Registry
	hubVersion string
	logger     *zap.Logger
}

// New returns a session Handler.
func New(resolver *identity.Resolver, agents repository.AgentRepository, reg *registry.Registry, hubVersion string, logger *zap.Logger) *Handler {
	return &Handler{
		resolver:   resolver,
		agents:     agents,
		registry:   reg,
		hubVersion: hubVersion,
		logger:     logger.Named("session"),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the session to
// completion. It always returns after the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.run(r.Context(), conn)
}

func (h *Handler) run(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	agentID, hostname, correlationID, registeredAt, err := h.awaitRegistration(conn)
	if err != nil {
		h.logger.Warn("registration failed", zap.Error(err))
		h.sendError(conn, correlationID, "registration_failed", err.Error())
		return
	}

	logger := h.logger.With(zap.String("agent_id", agentID.String()), zap.String("hostname", hostname))

	ack := protocol.RegisterAckMessage{
		CorrelationID: correlationID,
		AgentID:       agentID,
		HubVersion:    h.hubVersion,
		RegisteredAt:  registeredAt,
	}
	if err := h.writeEnvelope(conn, protocol.TypeRegisterAck, ack); err != nil {
		logger.Warn("failed to send register_ack", zap.Error(err))
		return
	}

	if err := h.agents.UpdateStatus(ctx, agentID, types.AgentStatusReady); err != nil {
		logger.Error("failed to mark agent ready", zap.Error(err))
		return
	}

	outbound := h.registry.Register(agentID, hostname, conn)
	defer h.registry.Remove(agentID, outbound)

	done := make(chan struct{})
	go h.writePump(conn, outbound, done)

	h.readPump(ctx, conn, agentID, logger)
	<-done
}

// awaitRegistration blocks for up to registrationTimeout for the agent's
// first frame, which must be a RegisterMessage. Anything else — timeout,
// malformed JSON, wrong message type — is a hard registration failure. The
// returned correlation id is the zero UUID unless a RegisterMessage was
// successfully decoded, so a rejection can still echo it when known.
func (h *Handler) awaitRegistration(conn *websocket.Conn) (uuid.UUID, string, uuid.UUID, time.Time, error) {
	if err := conn.SetReadDeadline(time.Now().Add(registrationTimeout)); err != nil {
		return uuid.UUID{}, "", uuid.UUID{}, time.Time{}, fmt.Errorf("set read deadline: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return uuid.UUID{}, "", uuid.UUID{}, time.Time{}, fmt.Errorf("waiting for registration: %w", err)
	}

	msgType, payload, err := protocol.Unmarshal(raw)
	if err != nil {
		return uuid.UUID{}, "", uuid.UUID{}, time.Time{}, fmt.Errorf("decoding registration frame: %w", err)
	}
	if msgType != protocol.TypeRegister {
		return uuid.UUID{}, "", uuid.UUID{}, time.Time{}, fmt.Errorf("expected register as the first frame, got %q", msgType)
	}

	registerMsg, ok := payload.(protocol.RegisterMessage)
	if !ok {
		return uuid.UUID{}, "", uuid.UUID{}, time.Time{}, errors.New("register payload decoded to an unexpected type")
	}

	agent, err := h.resolver.Resolve(context.Background(), registerMsg)
	if err != nil {
		return uuid.UUID{}, "", registerMsg.CorrelationID, time.Time{}, fmt.Errorf("resolving identity: %w", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return uuid.UUID{}, "", registerMsg.CorrelationID, time.Time{}, fmt.Errorf("clear read deadline: %w", err)
	}

	return agent.ID, agent.Hostname, registerMsg.CorrelationID, agent.RegisteredAt, nil
}

func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, agentID uuid.UUID, logger *zap.Logger) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("agent connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		msgType, payload, err := protocol.Unmarshal(raw)
		if err != nil {
			logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch msgType {
		case protocol.TypeHeartbeatAck:
			_ = payload.(protocol.HeartbeatAckMessage)
			now := time.Now().UTC()
			if err := h.agents.UpdateLastSeen(ctx, agentID, now); err != nil {
				logger.Error("failed to record heartbeat ack", zap.Error(err))
			}
		case protocol.TypeError:
			errMsg := payload.(protocol.ErrorMessage)
			logger.Warn("agent reported a protocol error", zap.String("code", errMsg.Code), zap.String("message", errMsg.Message))
			return
		default:
			logger.Warn("unexpected message type from agent", zap.String("type", string(msgType)))
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, outbound <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for frame := range outbound {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (h *Handler) writeEnvelope(conn *websocket.Conn, msgType protocol.MessageType, payload any) error {
	frame, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (h *Handler) sendError(conn *websocket.Conn, correlationID uuid.UUID, code, message string) {
	_ = h.writeEnvelope(conn, protocol.TypeError, protocol.ErrorMessage{
		CorrelationID: correlationID,
		Code:          code,
		Message:       message,
	})
}
