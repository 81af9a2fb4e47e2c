// Package registry maintains the in-memory table of agents with a live
// WebSocket session to the hub.
//
// When an agent's registration handshake completes, the session handler
// registers it here with a bounded outbound queue. The heartbeat fanout
// task and any future command-dispatch service deliver messages to an
// agent by writing to that queue; the session handler's write pump is the
// only reader.
//
// All state is in-memory and intentionally non-persistent: if the hub
// restarts, agents reconnect and re-register automatically via their own
// reconnect loop. The persisted agent record (identity, status, last seen)
// lives in the database and is owned by repository.AgentRepository.
package registry

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// outboundQueueSize bounds how many pending messages may be buffered for a
// single agent before Send reports the queue as full. A full queue means
// the agent's write pump is stuck or the connection is dead; callers treat
// it the same as "not connected".
const outboundQueueSize = 32

// ConnectedAgent represents an agent with an active WebSocket session.
type ConnectedAgent struct {
	// ID is the persistent identity assigned by the identity resolver.
	ID uuid.UUID

	// Hostname is kept here for logging without a database round trip.
	Hostname string

	// ConnectedAt is when this session was established. Reset on every
	// reconnect — distinct from the DB's RegisteredAt.
	ConnectedAt time.Time

	// outbound is the bounded channel the session handler's write pump
	// drains. Send never blocks: a full channel is reported as an error.
	outbound chan []byte

	// closer closes the underlying WebSocket connection. Remove and
	// ForceRemove call it so that evicting an agent (e.g. the staleness
	// reaper's ForceRemove) unblocks the
	// session handler's readPump, which is otherwise parked in a blocking
	// read with no deadline and would leak its goroutine and socket.
	closer io.Closer
}

// Registry is the in-memory table of currently connected agents. Safe for
// concurrent use — the session handler, the heartbeat fanout task, and the
// staleness reaper all touch it from separate goroutines.
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu     sync.RWMutex
	agents map[uuid.UUID]*ConnectedAgent
	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[uuid.UUID]*ConnectedAgent),
		logger: logger.Named("registry"),
	}
}

// Register adds an agent to the registry and returns its outbound queue.
// closer is the agent's WebSocket connection; Remove closes it to force
// the session handler's read loop to unblock. If an agent with the same
// ID is already registered — the previous session has not yet been
// cleaned up, typically after a network blip — the old entry is replaced
// and a warning is logged. The returned channel is closed by Remove or
// ForceRemove when the session's entry is evicted.
func (r *Registry) Register(agentID uuid.UUID, hostname string, closer io.Closer) <-chan []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		r.logger.Warn("replacing existing agent session",
			zap.String("agent_id", agentID.String()),
			zap.String("hostname", hostname),
		)
	}

	outbound := make(chan []byte, outboundQueueSize)
	r.agents[agentID] = &ConnectedAgent{
		ID:          agentID,
		Hostname:    hostname,
		ConnectedAt: time.Now().UTC(),
		outbound:    outbound,
		closer:      closer,
	}

	r.logger.Info("agent connected",
		zap.String("agent_id", agentID.String()),
		zap.String("hostname", hostname),
		zap.Int("total_connected", len(r.agents)),
	)

	return outbound
}

// Remove evicts an agent's session from the registry, closes its outbound
// queue, and closes its underlying connection — but only if the entry
// currently in the table is the same session: session must be the exact
// channel Register returned for that attempt. This guards against a
// superseded session: if the agent reconnected and
// re-registered before the old session's cleanup ran, the map entry now
// belongs to the new, live session, and Remove must leave it alone rather
// than deleting and force-closing a working connection out from under it.
// Safe to call more than once for the same session — a race between the
// reaper and a natural disconnect must not panic on a double close, and
// closing an already-closed *websocket.Conn just returns an error that
// Remove discards.
func (r *Registry) Remove(agentID uuid.UUID, session <-chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return
	}
	if agent.outbound != session {
		r.logger.Info("skipping removal of superseded session",
			zap.String("agent_id", agentID.String()),
		)
		return
	}
	delete(r.agents, agentID)
	close(agent.outbound)
	if agent.closer != nil {
		_ = agent.closer.Close()
	}

	r.logger.Info("agent disconnected",
		zap.String("agent_id", agentID.String()),
		zap.String("hostname", agent.Hostname),
		zap.Duration("session_duration", time.Since(agent.ConnectedAt)),
		zap.Int("total_connected", len(r.agents)),
	)
}

// ForceRemove evicts whichever session is currently registered for
// agentID, regardless of which Register call created it, closing its
// outbound queue and its connection. This is for the staleness reaper,
// which decided independently (from the persisted last_seen_at) that
// this ID deserves eviction and has no session token to match against —
// unlike Remove, it does not distinguish a superseded session from a
// live one.
func (r *Registry) ForceRemove(agentID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return
	}
	delete(r.agents, agentID)
	close(agent.outbound)
	if agent.closer != nil {
		_ = agent.closer.Close()
	}

	r.logger.Info("agent forcibly disconnected",
		zap.String("agent_id", agentID.String()),
		zap.String("hostname", agent.Hostname),
		zap.Duration("session_duration", time.Since(agent.ConnectedAt)),
		zap.Int("total_connected", len(r.agents)),
	)
}

// Send enqueues a raw frame for delivery to the given agent. Returns an
// error if the agent is not connected or its outbound queue is full.
// Never blocks.
func (r *Registry) Send(agentID uuid.UUID, frame []byte) error {
	// The read lock is held across the non-blocking send so Remove cannot
	// close the channel between the lookup and the send.
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, exists := r.agents[agentID]

	if !exists {
		return fmt.Errorf("registry: agent %s is not connected", agentID)
	}

	select {
	case agent.outbound <- frame:
		return nil
	default:
		return fmt.Errorf("registry: outbound queue full for agent %s", agentID)
	}
}

// IsConnected reports whether an agent currently has a live session.
func (r *Registry) IsConnected(agentID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.agents[agentID]
	return exists
}

// ConnectedIDs returns a snapshot of every currently connected agent ID.
// Used by the heartbeat fanout task to iterate the live set each tick.
func (r *Registry) ConnectedIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of currently connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
