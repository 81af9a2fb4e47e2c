// Package session manages the persistent WebSocket connection between the
// agent and the hub. It handles:
//   - Initial registration (presenting provider/identity/GPU info, storing
//     the hub-assigned agent ID)
//   - Heartbeat exchange (hub-initiated; the agent replies with an ack and
//     tracks a local deadline independent of the hub's own view)
//   - Automatic reconnection with exponential backoff on any failure
//
// State persistence: the generated provider-instance-id suffix (when one
// wasn't supplied) is written to <state-dir>/agent-state.json and reused on
// every subsequent connection, the same way connection.Manager persisted a
// hub-assigned agent ID — except here it is the *generated* instance-id
// suffix that must survive a restart, since the hub resolves identity from
// (overlay-ip, instance-id), not from an agent-presented ID.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/podpilot/podpilot/shared/protocol"
	"github.com/podpilot/podpilot/shared/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0

	registrationTimeout = 30 * time.Second
	heartbeatTimeout     = 30 * time.Second
	heartbeatMonitorTick = 5 * time.Second

	// shutdownGrace bounds how long writing the close frame to the hub may
	// take when Shutdown tears down the active session.
	shutdownGrace = 5 * time.Second
)

// agentState is persisted to disk so the generated provider-instance-id
// suffix survives a restart on the same VM.
type agentState struct {
	ProviderInstanceID string `json:"provider_instance_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

func loadState(stateDir string) (agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return agentState{}, nil
		}
		return agentState{}, fmt.Errorf("session: failed to read state file: %w", err)
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return agentState{}, fmt.Errorf("session: corrupted state file: %w", err)
	}
	return s, nil
}

func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("session: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("session: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("session: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// Config holds all parameters needed to connect to the hub.
type Config struct {
	HubURL             string
	Provider           types.ProviderType
	ProviderInstanceID string // empty means generate-and-persist
	Hostname           string
	TailscaleIP        string
	AgentVersion       string
	GpuInfoFn          func() types.GpuInfo
	StateDir           string
}

// Client maintains the persistent WebSocket connection to the hub.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.RWMutex
	agentID       *string
	hubVersion    string
	lastHeartbeat time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Client. Call Run to start the connection loop.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.Named("session"),
		closed: make(chan struct{}),
	}
}

// Shutdown signals Run to close the active connection and stop reconnecting.
func (c *Client) Shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Run starts the connection loop. It dials the hub, registers, and begins
// the heartbeat exchange. On any error it reconnects with exponential
// backoff. Blocks until ctx is cancelled or Shutdown is called.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("session client stopped")
			return
		case <-c.closed:
			c.logger.Info("session client shutting down")
			return
		default:
		}

		c.logger.Info("connecting to hub", zap.String("url", c.cfg.HubURL))

		if err := c.connectAndHandle(ctx); err != nil {
			c.logger.Warn("connection failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.logger.Info("connection closed normally")
		backoff = backoffInitial
	}
}

// connectAndHandle runs one WebSocket session: dial, register, then process
// heartbeats until the connection drops or shutdown is requested.
func (c *Client) connectAndHandle(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.HubURL, http.Header{})
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	instanceID, err := c.resolveInstanceID()
	if err != nil {
		return fmt.Errorf("resolve instance id: %w", err)
	}

	if err := c.register(conn, instanceID); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	// Shutdown or cancellation closes the socket, which is what unblocks
	// readLoop's pending read; Shutdown first sends a close frame.
	go func() {
		select {
		case <-c.closed:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(shutdownGrace))
		case <-sessionCtx.Done():
		}
		conn.Close()
	}()

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		c.monitorHeartbeat(sessionCtx, cancelSession, conn)
	}()

	err = c.readLoop(conn)

	cancelSession()
	<-monitorDone

	if ctx.Err() != nil || err == nil {
		return nil
	}
	return err
}

// resolveInstanceID returns the configured provider instance ID, or loads
// (and generates+persists, if missing) one from the state directory.
func (c *Client) resolveInstanceID() (string, error) {
	if c.cfg.ProviderInstanceID != "" {
		return c.cfg.ProviderInstanceID, nil
	}

	state, err := loadState(c.cfg.StateDir)
	if err != nil {
		c.logger.Warn("failed to load agent state, generating new instance id", zap.Error(err))
	}
	if state.ProviderInstanceID != "" {
		return state.ProviderInstanceID, nil
	}

	generated := fmt.Sprintf("%s-%s", c.cfg.Hostname, randomHex(8))
	if err := saveState(c.cfg.StateDir, agentState{ProviderInstanceID: generated}); err != nil {
		c.logger.Warn("failed to persist generated instance id", zap.Error(err))
	}
	return generated, nil
}

// register sends the Register message and waits for RegisterAck. The
// correlation id is generated fresh for every attempt so a reply can always
// be matched to the register frame that triggered it, even across a retry.
func (c *Client) register(conn *websocket.Conn, instanceID string) error {
	correlationID := uuid.New()
	msg := protocol.RegisterMessage{
		CorrelationID:      correlationID,
		Provider:           c.cfg.Provider,
		ProviderInstanceID: &instanceID,
		Hostname:           c.cfg.Hostname,
		TailscaleIP:        c.cfg.TailscaleIP,
		AgentVersion:       c.cfg.AgentVersion,
		GpuInfo:            c.cfg.GpuInfoFn(),
	}
	frame, err := protocol.Marshal(protocol.TypeRegister, msg)
	if err != nil {
		return fmt.Errorf("marshal register: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write register: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read register ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	msgType, payload, err := protocol.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("unmarshal register ack: %w", err)
	}

	switch msgType {
	case protocol.TypeRegisterAck:
		ack := payload.(protocol.RegisterAckMessage)
		if ack.CorrelationID != correlationID {
			return fmt.Errorf("register_ack correlation id %s does not match register %s", ack.CorrelationID, correlationID)
		}
		id := ack.AgentID.String()
		c.mu.Lock()
		c.agentID = &id
		c.hubVersion = ack.HubVersion
		c.mu.Unlock()
		c.logger.Info("registered with hub", zap.String("agent_id", id), zap.String("hub_version", ack.HubVersion))
		return nil
	case protocol.TypeError:
		errMsg := payload.(protocol.ErrorMessage)
		return fmt.Errorf("hub rejected registration: %s (%s)", errMsg.Message, errMsg.Code)
	default:
		return fmt.Errorf("unexpected message type during registration: %s", msgType)
	}
}

// monitorHeartbeat watches the time since the last heartbeat was received
// and tears down the connection if the hub has gone quiet for too long.
// Closing conn is what actually matters: readLoop is blocked in
// conn.ReadMessage() and only a closed socket (or a live frame) can wake it;
// cancelSession alone leaves that read hanging on a dead connection forever.
func (c *Client) monitorHeartbeat(ctx context.Context, cancelSession context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatMonitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			last := c.lastHeartbeat
			c.mu.RUnlock()

			if time.Since(last) > heartbeatTimeout {
				c.logger.Error("no heartbeat received, treating connection as lost",
					zap.Duration("timeout", heartbeatTimeout),
				)
				conn.Close()
				cancelSession()
				return
			}
		}
	}
}

// readLoop processes incoming frames from the hub until the connection
// closes or an unrecoverable error occurs. A normal or going-away close
// from the hub returns nil; every other end of the loop returns an error.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		msgType, payload, err := protocol.Unmarshal(raw)
		if err != nil {
			c.logger.Warn("received malformed frame", zap.Error(err))
			continue
		}

		switch msgType {
		case protocol.TypeHeartbeat:
			hb := payload.(protocol.HeartbeatMessage)
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()

			ack := protocol.HeartbeatAckMessage{
				CorrelationID: hb.CorrelationID,
				Timestamp:     time.Now().UTC(),
			}
			frame, err := protocol.Marshal(protocol.TypeHeartbeatAck, ack)
			if err != nil {
				c.logger.Error("failed to marshal heartbeat ack", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("write heartbeat ack: %w", err)
			}
		case protocol.TypeError:
			errMsg := payload.(protocol.ErrorMessage)
			c.logger.Error("received error from hub",
				zap.String("code", errMsg.Code),
				zap.String("message", errMsg.Message),
			)
			return fmt.Errorf("hub reported error: %s (%s)", errMsg.Message, errMsg.Code)
		case protocol.TypeRegisterAck:
			c.logger.Warn("received unexpected register ack outside registration")
		default:
			c.logger.Warn("received unhandled message type", zap.String("type", string(msgType)))
		}
	}
}

// AgentID returns the hub-assigned agent ID from the most recent successful
// registration, if any.
func (c *Client) AgentID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.agentID == nil {
		return "", false
	}
	return *c.agentID, true
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random +/-20% perturbation to d to avoid thundering herd on
// reconnect.
func jitter(d time.Duration) time.Duration {
	const jitterFraction = 0.2
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func randomHex(n int) string {
	const hex = "0123456789abcdef"
	b := make([]byte, n)
	for i := range b {
		b[i] = hex[rand.Intn(len(hex))]
	}
	return string(b)
}
