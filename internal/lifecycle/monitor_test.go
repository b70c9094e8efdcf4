package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-dev/flotilla/internal/agents"
	"github.com/flotilla-dev/flotilla/internal/events"
	"github.com/flotilla-dev/flotilla/internal/protocol"
)

type fakeStore struct {
	mu      sync.Mutex
	updates map[string][]agents.AgentUpdate
	errOnce error
}

func newFakeStore() *fakeStore {
	return &fakeStore{updates: make(map[string][]agents.AgentUpdate)}
}

func (s *fakeStore) UpdateAgent(_ context.Context, agentID string, update agents.AgentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errOnce != nil {
		err := s.errOnce
		s.errOnce = nil
		return err
	}
	s.updates[agentID] = append(s.updates[agentID], update)
	return nil
}

func (s *fakeStore) lastStatus(agentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.updates[agentID]) - 1; i >= 0; i-- {
		if s.updates[agentID][i].Status != nil {
			return *s.updates[agentID][i].Status
		}
	}
	return ""
}

type fakeEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *fakeEvents) Record(eventType, _ string, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, eventType)
}

func (e *fakeEvents) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.types...)
}

type fakeSettings struct{}

func (fakeSettings) HeartbeatInterval() time.Duration { return 10 * time.Second }
func (fakeSettings) HeartbeatTimeout() time.Duration  { return 30 * time.Second }

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time { return c.current }

func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestMonitor() (*Monitor, *fakeStore, *fakeEvents, *fakeClock) {
	store := newFakeStore()
	ev := &fakeEvents{}
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(store, ev, fakeSettings{}, slog.Default())
	m.now = clock.Now
	return m, store, ev, clock
}

func TestUnknownAgentIsStale(t *testing.T) {
	m, _, _, _ := newTestMonitor()
	assert.True(t, m.IsStale("never-seen"))
}

func TestStalenessTracksTimeout(t *testing.T) {
	m, store, _, clock := newTestMonitor()

	m.RecordHeartbeat(context.Background(), "agent-1", clock.Now(), protocol.HeartbeatParams{})
	assert.False(t, m.IsStale("agent-1"))

	clock.Advance(10 * time.Second)
	assert.False(t, m.IsStale("agent-1"), "inside timeout")

	clock.Advance(21 * time.Second)
	assert.True(t, m.IsStale("agent-1"), "past timeout")

	// Heartbeat persisted last_seen.
	require.Len(t, store.updates["agent-1"], 1)
	assert.NotNil(t, store.updates["agent-1"][0].LastSeen)
}

func TestHeartbeatPersistenceFailureIsSwallowed(t *testing.T) {
	m, store, _, clock := newTestMonitor()
	store.errOnce = errors.New("db down")

	m.RecordHeartbeat(context.Background(), "agent-1", clock.Now(), protocol.HeartbeatParams{})

	// In-memory tracking still works.
	assert.False(t, m.IsStale("agent-1"))
}

func TestSweepDisconnectsStaleAgents(t *testing.T) {
	m, store, ev, clock := newTestMonitor()

	m.RecordHeartbeat(context.Background(), "agent-stale", clock.Now(), protocol.HeartbeatParams{})
	clock.Advance(31 * time.Second)
	m.RecordHeartbeat(context.Background(), "agent-live", clock.Now(), protocol.HeartbeatParams{})

	m.Sweep(context.Background())

	assert.Equal(t, agents.StatusDisconnected, store.lastStatus("agent-stale"))
	assert.Equal(t, "", store.lastStatus("agent-live"))
	assert.Contains(t, ev.recorded(), events.TypeAgentStale)

	// Swept agents leave the map; a second sweep is a no-op.
	before := len(store.updates["agent-stale"])
	m.Sweep(context.Background())
	assert.Len(t, store.updates["agent-stale"], before)
}

func TestSweepContinuesPastPersistenceFailure(t *testing.T) {
	m, store, _, clock := newTestMonitor()

	m.RecordHeartbeat(context.Background(), "agent-1", clock.Now(), protocol.HeartbeatParams{})
	m.RecordHeartbeat(context.Background(), "agent-2", clock.Now(), protocol.HeartbeatParams{})
	clock.Advance(31 * time.Second)

	store.errOnce = errors.New("db down")
	m.Sweep(context.Background())

	// One update failed, the other landed; the failed agent stays tracked
	// and is retried on the next sweep.
	disconnected := 0
	for _, id := range []string{"agent-1", "agent-2"} {
		if store.lastStatus(id) == agents.StatusDisconnected {
			disconnected++
		}
	}
	assert.Equal(t, 1, disconnected)

	m.Sweep(context.Background())
	for _, id := range []string{"agent-1", "agent-2"} {
		assert.Equal(t, agents.StatusDisconnected, store.lastStatus(id))
	}
}

func TestStopTracking(t *testing.T) {
	m, store, _, clock := newTestMonitor()

	m.RecordHeartbeat(context.Background(), "agent-1", clock.Now(), protocol.HeartbeatParams{})
	m.StopTracking("agent-1")
	clock.Advance(time.Hour)

	m.Sweep(context.Background())
	assert.Equal(t, "", store.lastStatus("agent-1"), "untracked agents are never swept")
}

func TestHandleHeartbeatNotification(t *testing.T) {
	m, _, _, clock := newTestMonitor()

	params := json.RawMessage(`{"cpu_percent":40.5,"memory_percent":61.2}`)
	m.HandleHeartbeat(context.Background(), "agent-1", params)

	assert.False(t, m.IsStale("agent-1"))

	clock.Advance(31 * time.Second)
	assert.True(t, m.IsStale("agent-1"))
}

func TestHandleHeartbeatUsesReportedTimestamp(t *testing.T) {
	m, store, _, clock := newTestMonitor()

	reported := clock.Now().Add(-5 * time.Second)
	params, _ := json.Marshal(protocol.HeartbeatParams{Timestamp: reported.Unix()})
	m.HandleHeartbeat(context.Background(), "agent-1", params)

	require.Len(t, store.updates["agent-1"], 1)
	assert.Equal(t, reported.Unix(), store.updates["agent-1"][0].LastSeen.Unix())
}

func TestHandleShutdownWithoutRestart(t *testing.T) {
	m, store, ev, clock := newTestMonitor()
	m.RecordHeartbeat(context.Background(), "agent-1", clock.Now(), protocol.HeartbeatParams{})

	m.HandleShutdown(context.Background(), "agent-1", json.RawMessage(`{"reason":"host maintenance","restart":false}`))

	assert.Equal(t, agents.StatusDisconnected, store.lastStatus("agent-1"))
	assert.True(t, m.IsStale("agent-1"), "shutdown removes heartbeat tracking")
	assert.Contains(t, ev.recorded(), events.TypeAgentShutdown)
}

func TestHandleShutdownWithRestart(t *testing.T) {
	m, store, _, _ := newTestMonitor()

	m.HandleShutdown(context.Background(), "agent-1", json.RawMessage(`{"reason":"upgrade","restart":true}`))

	assert.Equal(t, agents.StatusPending, store.lastStatus("agent-1"))
}

func TestShutdownCallbacksRunIndependently(t *testing.T) {
	m, _, _, _ := newTestMonitor()

	var calls []string
	m.OnShutdown(func(agentID, reason string, restart bool) {
		calls = append(calls, "first:"+reason)
		panic("observer bug")
	})
	m.OnShutdown(func(agentID, reason string, restart bool) {
		calls = append(calls, "second:"+agentID)
	})

	m.HandleShutdown(context.Background(), "agent-1", json.RawMessage(`{"reason":"upgrade","restart":true}`))

	assert.Equal(t, []string{"first:upgrade", "second:agent-1"}, calls)
}
