// Package protocol implements the JSON framed message protocol exchanged
// over the duplex channel between an agent and the hub. Every frame is a
// single JSON object discriminated by its "type" field.
//
// Message naming convention mirrors the wire type exactly:
//
//	register       — agent → hub, sent once immediately after connecting
//	register_ack   — hub → agent, acknowledges registration and assigns identity
//	heartbeat      — hub → agent, periodic liveness probe carrying a sequence number
//	heartbeat_ack  — agent → hub, echoes the heartbeat's correlation id
//	error          — either direction, a fatal protocol-level error
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/podpilot/podpilot/shared/types"
)

// MessageType identifies the kind of frame carried by an Envelope.
type MessageType string

const (
	TypeRegister     MessageType = "register"
	TypeRegisterAck  MessageType = "register_ack"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeError        MessageType = "error"
)

// Envelope is the outer frame every message is wrapped in. Payload is kept
// raw so Unmarshal can dispatch on Type before decoding the typed body.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterMessage is sent by the agent immediately after the connection
// opens. It carries everything the hub's identity resolver needs to
// reuse-or-create the persisted agent record. CorrelationID is echoed back
// unchanged in the hub's RegisterAckMessage (or ErrorMessage, on failure) so
// the agent can match the reply to this specific attempt.
type RegisterMessage struct {
	CorrelationID      uuid.UUID          `json:"correlation_id"`
	Provider           types.ProviderType `json:"provider"`
	ProviderInstanceID *string            `json:"provider_instance_id,omitempty"`
	Hostname           string             `json:"hostname"`
	TailscaleIP        string             `json:"tailscale_ip"`
	AgentVersion       string             `json:"agent_version"`
	GpuInfo            types.GpuInfo      `json:"gpu_info"`
}

// RegisterAckMessage is the hub's reply to a successful registration.
// CorrelationID echoes the triggering RegisterMessage's. AgentID is the
// persisted identity the agent should remember across reconnects.
type RegisterAckMessage struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	AgentID       uuid.UUID `json:"agent_id"`
	HubVersion    string    `json:"hub_version"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// HeartbeatMessage is sent by the hub on every fanout tick. CorrelationID is
// echoed back unchanged in the agent's HeartbeatAckMessage so the hub can
// match requests to replies without additional bookkeeping.
type HeartbeatMessage struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	Sequence      uint64    `json:"sequence"`
}

// HeartbeatAckMessage is the agent's reply to a HeartbeatMessage.
type HeartbeatAckMessage struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrorMessage signals a fatal protocol-level error. Receiving one always
// ends the session; there is no recoverable-error variant. CorrelationID
// echoes the message that triggered the error, when there is one to echo
// (e.g. a rejected RegisterMessage) — the zero UUID otherwise.
type ErrorMessage struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Code          string    `json:"code"`
	Message       string    `json:"message"`
}

// Marshal encodes a typed payload into a framed Envelope.
func Marshal(msgType MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	env := Envelope{Type: msgType, Payload: raw}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return out, nil
}

// Unmarshal decodes a raw frame into its Envelope and returns the typed
// payload as an `any` the caller must type-switch on. An unrecognized Type
// is a protocol error, not a panic or a silently-ignored frame.
func Unmarshal(raw []byte) (MessageType, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}

	switch env.Type {
	case TypeRegister:
		var m RegisterMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return "", nil, fmt.Errorf("protocol: unmarshal register payload: %w", err)
		}
		return env.Type, m, nil
	case TypeRegisterAck:
		var m RegisterAckMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return "", nil, fmt.Errorf("protocol: unmarshal register_ack payload: %w", err)
		}
		return env.Type, m, nil
	case TypeHeartbeat:
		var m HeartbeatMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return "", nil, fmt.Errorf("protocol: unmarshal heartbeat payload: %w", err)
		}
		return env.Type, m, nil
	case TypeHeartbeatAck:
		var m HeartbeatAckMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return "", nil, fmt.Errorf("protocol: unmarshal heartbeat_ack payload: %w", err)
		}
		return env.Type, m, nil
	case TypeError:
		var m ErrorMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return "", nil, fmt.Errorf("protocol: unmarshal error payload: %w", err)
		}
		return env.Type, m, nil
	default:
		return "", nil, fmt.Errorf("protocol: unknown message type %q", env.Type)
	}
}
