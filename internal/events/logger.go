package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event types recorded by the control plane.
const (
	TypeAgentConnected    = "agent.connected"
	TypeAgentDisconnected = "agent.disconnected"
	TypeAgentStale        = "agent.stale"
	TypeAgentShutdown     = "agent.shutdown"
	TypeAgentEnrolled     = "agent.enrolled"
	TypeRotationStarted   = "rotation.started"
	TypeRotationCompleted = "rotation.completed"
	TypeRotationCancelled = "rotation.cancelled"
	TypeRotationFailed    = "rotation.failed"
)

const recordTimeout = 5 * time.Second

// Logger is a fire-and-forget audit sink. Record never blocks the caller and
// never surfaces persistence failures.
type Logger struct {
	pool *pgxpool.Pool
}

func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{
		pool: pool,
	}
}

// Record writes an audit event asynchronously. agentID may be empty for
// events not scoped to a single agent.
func (l *Logger) Record(eventType, agentID string, details map[string]any) {
	if l == nil || l.pool == nil {
		return
	}

	payload, err := json.Marshal(details)
	if err != nil {
		slog.Debug("Failed to marshal audit event details", "event_type", eventType, "error", err)
		payload = []byte("{}")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		var agent any
		if agentID != "" {
			agent = agentID
		}

		_, err := l.pool.Exec(ctx, `
			INSERT INTO audit_events (event_type, agent_id, details)
			VALUES ($1, $2, $3)`,
			eventType, agent, payload)
		if err != nil {
			slog.Debug("Failed to record audit event",
				"event_type", eventType,
				"agent_id", agentID,
				"error", err)
		}
	}()
}
