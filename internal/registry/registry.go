package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-dev/flotilla/internal/agents"
	"github.com/flotilla-dev/flotilla/internal/protocol"
)

const (
	defaultMaxMessageSize       = 1 << 20 // 1 MiB
	defaultMaxConsecutiveErrors = 10
)

// AgentStore is the narrow persistence surface the registry needs.
type AgentStore interface {
	UpdateAgent(ctx context.Context, agentID string, update agents.AgentUpdate) error
}

// NotificationHandler consumes one inbound notification. Handlers must not
// panic; they run on the connection's message loop.
type NotificationHandler func(ctx context.Context, agentID string, params json.RawMessage)

type Config struct {
	MaxMessageSize       int
	MaxConsecutiveErrors int
}

// Registry owns the map of agent id to live channel. At most one connection
// exists per agent at any instant; registering a second connection supersedes
// the first.
type Registry struct {
	store  AgentStore
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
	locks map[string]*sync.Mutex

	handlersMu   sync.RWMutex
	handlers     map[string]NotificationHandler
	onDisconnect []func(agentID string)

	maxMessageSize       int
	maxConsecutiveErrors int
}

func NewRegistry(store AgentStore, logger *slog.Logger, cfg Config) *Registry {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	return &Registry{
		store:                store,
		logger:               logger,
		conns:                make(map[string]*Connection),
		locks:                make(map[string]*sync.Mutex),
		handlers:             make(map[string]NotificationHandler),
		maxMessageSize:       cfg.MaxMessageSize,
		maxConsecutiveErrors: cfg.MaxConsecutiveErrors,
	}
}

// RegisterHandler installs the handler for a notification method. Must be
// called during wiring, before connections arrive.
func (r *Registry) RegisterHandler(method string, handler NotificationHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[method] = handler
}

// OnDisconnect adds a callback fired after a connection is removed from the
// registry. Must be called during wiring.
func (r *Registry) OnDisconnect(fn func(agentID string)) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

// agentLock returns the per-agent lock, lazily created on first use. One lock
// per agent id, never shared across agents.
func (r *Registry) agentLock(agentID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[agentID] = lock
	}
	return lock
}

// Register installs a new live connection for the agent. An existing
// connection is replaced in the map first and its old channel closed
// afterwards, so a racing writer on the stale channel fails fast instead of
// silently succeeding against a channel no longer tracked.
func (r *Registry) Register(ctx context.Context, agentID, serverID string, ch Channel) *Connection {
	lock := r.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	conn := newConnection(agentID, serverID, ch, r.logger)

	r.mu.Lock()
	old := r.conns[agentID]
	r.conns[agentID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if old != nil {
		r.logger.Warn("Agent already connected, replacing connection", "agent_id", agentID)
		if err := old.close(); err != nil {
			r.logger.Warn("Failed to close superseded channel", "agent_id", agentID, "error", err)
		}
	}

	now := time.Now().UTC()
	status := agents.StatusConnected
	err := r.store.UpdateAgent(ctx, agentID, agents.AgentUpdate{
		Status:   &status,
		ServerID: &serverID,
		LastSeen: &now,
	})
	if err != nil {
		r.logger.Error("Failed to persist connected status", "agent_id", agentID, "error", err)
	}

	r.logger.Info("Agent registered",
		"agent_id", agentID,
		"server_id", serverID,
		"total_connections", total)
	return conn
}

// Connected reports whether the agent has a live channel.
func (r *Registry) Connected(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[agentID]
	return ok
}

// ConnectedIDs returns the ids of all agents with a live channel.
func (r *Registry) ConnectedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) connection(agentID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[agentID]
}

// SendCommand issues a JSON-RPC request to the agent and waits for the
// correlated response. Fails immediately with ErrNotConnected when no live
// channel exists, with ErrTransport on a write failure, and with ErrTimeout
// when the deadline elapses; a response carrying an error object surfaces as
// a *RemoteError.
func (r *Registry) SendCommand(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn := r.connection(agentID)
	if conn == nil {
		return nil, ErrNotConnected
	}

	requestID := uuid.New().String()
	frame, err := protocol.NewRequest(requestID, method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	respCh, ok := conn.createRequest(requestID)
	if !ok {
		return nil, ErrNotConnected
	}
	defer conn.closeRequest(requestID)

	if err := conn.write(frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	r.logger.Debug("Command sent",
		"agent_id", agentID,
		"request_id", requestID,
		"method", method)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case msg, ok := <-respCh:
		if !ok {
			// Connection closed underneath the request.
			return nil, ErrNotConnected
		}
		if msg.Error != nil {
			return nil, &RemoteError{Code: msg.Error.Code, Message: msg.Error.Message}
		}
		return msg.Result, nil
	}
}

// HandleMessage processes one inbound frame: oversized frames are dropped
// unparsed, malformed JSON is dropped silently, responses are routed to their
// pending request, notifications are dispatched by method. No frame ever
// produces an outbound reply.
func (r *Registry) HandleMessage(ctx context.Context, agentID string, raw []byte) error {
	if len(raw) > r.maxMessageSize {
		r.logger.Warn("Dropping oversized frame",
			"agent_id", agentID,
			"size", len(raw),
			"limit", r.maxMessageSize)
		return fmt.Errorf("frame exceeds %d bytes", r.maxMessageSize)
	}

	msg, err := protocol.Parse(raw)
	if err != nil {
		r.logger.Debug("Dropping malformed frame", "agent_id", agentID, "error", err)
		return err
	}

	switch {
	case msg.IsResponse():
		conn := r.connection(agentID)
		if conn == nil {
			return nil
		}
		conn.resolve(msg)
		return nil

	case msg.IsNotification():
		r.handlersMu.RLock()
		handler, ok := r.handlers[msg.Method]
		r.handlersMu.RUnlock()

		if !ok {
			// Unknown methods are logged and ignored, never raised.
			r.logger.Warn("Unknown notification method",
				"agent_id", agentID,
				"method", msg.Method)
			return nil
		}
		handler(ctx, agentID, msg.Params)
		return nil

	default:
		r.logger.Debug("Dropping frame with no route", "agent_id", agentID)
		return errors.New("frame is neither response nor notification")
	}
}

// MessageLoop reads frames from the connection until the channel closes or
// too many consecutive handling errors accumulate. Any successful message
// resets the error counter. On exit the connection is removed from the
// registry.
func (r *Registry) MessageLoop(ctx context.Context, conn *Connection) error {
	defer r.remove(conn)

	consecutive := 0
	for {
		raw, err := conn.channel.ReadMessage()
		if err != nil {
			// Transport closed: clean disconnect. Cancellation arrives the
			// same way, via the channel being closed during drain.
			r.logger.Debug("Channel read ended", "agent_id", conn.AgentID, "error", err)
			return nil
		}

		if err := r.HandleMessage(ctx, conn.AgentID, raw); err != nil {
			consecutive++
			if consecutive >= r.maxConsecutiveErrors {
				r.logger.Error("Aborting message loop",
					"agent_id", conn.AgentID,
					"consecutive_errors", consecutive)
				return ErrTooManyErrors
			}
			continue
		}
		consecutive = 0
	}
}

// remove drops the connection from the registry (only if it is still the
// current one), persists DISCONNECTED, and fires disconnect callbacks.
func (r *Registry) remove(conn *Connection) {
	lock := r.agentLock(conn.AgentID)
	lock.Lock()

	r.mu.Lock()
	current := r.conns[conn.AgentID] == conn
	if current {
		delete(r.conns, conn.AgentID)
	}
	r.mu.Unlock()
	lock.Unlock()

	if err := conn.close(); err != nil {
		r.logger.Debug("Failed to close channel", "agent_id", conn.AgentID, "error", err)
	}

	if !current {
		// Superseded by a newer connection; the agent is still live.
		return
	}

	// The loop's context may already be cancelled during shutdown; the
	// status write still has to land.
	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := agents.StatusDisconnected
	if err := r.store.UpdateAgent(persistCtx, conn.AgentID, agents.AgentUpdate{Status: &status}); err != nil {
		r.logger.Error("Failed to persist disconnected status", "agent_id", conn.AgentID, "error", err)
	}

	r.handlersMu.RLock()
	callbacks := r.onDisconnect
	r.handlersMu.RUnlock()
	for _, fn := range callbacks {
		fn(conn.AgentID)
	}

	r.logger.Info("Agent disconnected", "agent_id", conn.AgentID)
}

// Drain closes every live connection. Message loops observe the channel
// close and exit cleanly.
func (r *Registry) Drain() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.close(); err != nil {
			r.logger.Debug("Failed to close channel during drain", "agent_id", conn.AgentID, "error", err)
		}
	}
}
