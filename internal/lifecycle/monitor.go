package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/flotilla-dev/flotilla/internal/agents"
	"github.com/flotilla-dev/flotilla/internal/events"
	"github.com/flotilla-dev/flotilla/internal/protocol"
)

const sweepFailureBackoff = 5 * time.Second

// AgentStore is the persistence surface the monitor needs.
type AgentStore interface {
	UpdateAgent(ctx context.Context, agentID string, update agents.AgentUpdate) error
}

// EventRecorder is a fire-and-forget audit sink.
type EventRecorder interface {
	Record(eventType, agentID string, details map[string]any)
}

// Settings supplies the heartbeat knobs.
type Settings interface {
	HeartbeatInterval() time.Duration
	HeartbeatTimeout() time.Duration
}

// ShutdownCallback observes an agent-announced shutdown.
type ShutdownCallback func(agentID, reason string, restart bool)

// Monitor tracks agent heartbeats and marks agents stale when their heartbeat
// stops arriving. An agent with no recorded heartbeat is conservatively
// treated as stale.
type Monitor struct {
	store    AgentStore
	events   EventRecorder
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time

	cbMu      sync.RWMutex
	callbacks []ShutdownCallback

	// now is swappable for tests.
	now func() time.Time
}

func NewMonitor(store AgentStore, events EventRecorder, settings Settings, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:    store,
		events:   events,
		settings: settings,
		logger:   logger,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// OnShutdown registers a callback invoked when an agent announces a
// shutdown. Must be called during wiring.
func (m *Monitor) OnShutdown(cb ShutdownCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// RecordHeartbeat updates the in-memory last-seen map and persists last_seen.
// Persistence failures are logged, never propagated.
func (m *Monitor) RecordHeartbeat(ctx context.Context, agentID string, ts time.Time, metrics protocol.HeartbeatParams) {
	m.mu.Lock()
	m.lastSeen[agentID] = ts
	m.mu.Unlock()

	m.logger.Debug("Heartbeat received",
		"agent_id", agentID,
		"cpu_percent", metrics.CPUPercent,
		"memory_percent", metrics.MemoryPercent)

	if err := m.store.UpdateAgent(ctx, agentID, agents.AgentUpdate{LastSeen: &ts}); err != nil {
		m.logger.Error("Failed to persist last seen", "agent_id", agentID, "error", err)
	}
}

// IsStale reports whether the agent's heartbeat has lapsed. Unknown agents
// are stale.
func (m *Monitor) IsStale(agentID string) bool {
	m.mu.Lock()
	seen, ok := m.lastSeen[agentID]
	m.mu.Unlock()

	if !ok {
		return true
	}
	return m.now().Sub(seen) > m.settings.HeartbeatTimeout()
}

// StopTracking removes the agent from heartbeat tracking, typically on
// disconnect.
func (m *Monitor) StopTracking(agentID string) {
	m.mu.Lock()
	delete(m.lastSeen, agentID)
	m.mu.Unlock()
}

// staleAgents snapshots the ids whose heartbeat has lapsed.
func (m *Monitor) staleAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	timeout := m.settings.HeartbeatTimeout()
	var stale []string
	for agentID, seen := range m.lastSeen {
		if now.Sub(seen) > timeout {
			stale = append(stale, agentID)
		}
	}
	return stale
}

// Sweep transitions every stale agent to DISCONNECTED and removes it from the
// in-memory map so the next sweep does not re-trigger it. One agent's failure
// never blocks the rest.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, agentID := range m.staleAgents() {
		m.logger.Warn("Agent heartbeat lapsed", "agent_id", agentID)

		status := agents.StatusDisconnected
		if err := m.store.UpdateAgent(ctx, agentID, agents.AgentUpdate{Status: &status}); err != nil {
			m.logger.Error("Failed to persist stale status", "agent_id", agentID, "error", err)
			continue
		}

		m.StopTracking(agentID)
		m.events.Record(events.TypeAgentStale, agentID, nil)
	}
}

// Run drives the staleness sweep on the heartbeat interval until the context
// is cancelled. A panicking iteration is caught, logged, and followed by a
// fixed backoff; one bad iteration never kills the monitor.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.settings.HeartbeatInterval())
	defer ticker.Stop()

	m.logger.Info("Lifecycle monitor started",
		"interval", m.settings.HeartbeatInterval(),
		"timeout", m.settings.HeartbeatTimeout())
	for {
		select {
		case <-ticker.C:
			m.runOnce(ctx)
		case <-ctx.Done():
			m.logger.Info("Lifecycle monitor stopped")
			return
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Monitor sweep panicked", "panic", r)
			select {
			case <-time.After(sweepFailureBackoff):
			case <-ctx.Done():
			}
		}
	}()
	m.Sweep(ctx)
}

// HandleHeartbeat consumes the agent.heartbeat notification.
func (m *Monitor) HandleHeartbeat(ctx context.Context, agentID string, params json.RawMessage) {
	var p protocol.HeartbeatParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			m.logger.Warn("Malformed heartbeat params", "agent_id", agentID, "error", err)
			return
		}
	}

	ts := m.now()
	if p.Timestamp > 0 {
		ts = time.Unix(p.Timestamp, 0).UTC()
	}
	m.RecordHeartbeat(ctx, agentID, ts, p)
}

// HandleShutdown consumes the agent.shutdown notification. An agent that
// intends to restart goes to PENDING, otherwise DISCONNECTED. Every
// registered shutdown callback runs independently; one failing observer
// cannot block the others.
func (m *Monitor) HandleShutdown(ctx context.Context, agentID string, params json.RawMessage) {
	var p protocol.ShutdownParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			m.logger.Warn("Malformed shutdown params", "agent_id", agentID, "error", err)
		}
	}

	status := agents.StatusDisconnected
	if p.Restart {
		status = agents.StatusPending
	}
	if err := m.store.UpdateAgent(ctx, agentID, agents.AgentUpdate{Status: &status}); err != nil {
		m.logger.Error("Failed to persist shutdown status", "agent_id", agentID, "error", err)
	}

	m.StopTracking(agentID)
	m.events.Record(events.TypeAgentShutdown, agentID, map[string]any{
		"reason":  p.Reason,
		"restart": p.Restart,
	})
	m.logger.Info("Agent announced shutdown",
		"agent_id", agentID,
		"reason", p.Reason,
		"restart", p.Restart)

	m.cbMu.RLock()
	callbacks := make([]ShutdownCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		m.invokeCallback(cb, agentID, p.Reason, p.Restart)
	}
}

func (m *Monitor) invokeCallback(cb ShutdownCallback, agentID, reason string, restart bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Shutdown callback panicked", "agent_id", agentID, "panic", r)
		}
	}()
	cb(agentID, reason, restart)
}
