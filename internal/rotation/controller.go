package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flotilla-dev/flotilla/internal/agents"
	"github.com/flotilla-dev/flotilla/internal/events"
	"github.com/flotilla-dev/flotilla/internal/protocol"
)

var (
	// ErrInvalidCredential indicates the presented token matches neither the
	// current nor the pending hash of any agent.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrRotationConflict indicates a rotation is already in flight for the
	// agent. At most one rotation is pending per agent.
	ErrRotationConflict = errors.New("rotation already pending")

	// ErrNoCurrentToken indicates the agent has never been issued a token.
	ErrNoCurrentToken = errors.New("agent has no current token")

	// ErrNoPendingRotation indicates there is no rotation to complete or
	// cancel.
	ErrNoPendingRotation = errors.New("no rotation pending")
)

// AgentStore is the persistence surface the controller needs.
type AgentStore interface {
	GetAgentByID(ctx context.Context, agentID string) (*agents.Agent, error)
	GetAgentByTokenHash(ctx context.Context, hash string) (*agents.Agent, error)
	GetAgentByPendingTokenHash(ctx context.Context, hash string) (*agents.Agent, error)
	GetAgentsWithExpiringTokens(ctx context.Context, now time.Time) ([]agents.Agent, error)
	UpdateAgent(ctx context.Context, agentID string, update agents.AgentUpdate) error
}

// CommandSender delivers commands over an agent's live channel.
type CommandSender interface {
	SendCommand(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// EventRecorder is a fire-and-forget audit sink.
type EventRecorder interface {
	Record(eventType, agentID string, details map[string]any)
}

// Settings supplies the rotation knobs.
type Settings interface {
	RotationPeriod() time.Duration
	RotationCheckInterval() time.Duration
	GracePeriod() time.Duration
	CommandTimeout() time.Duration
}

// Controller drives the dual-token rotation state machine. An agent is either
// Stable (no pending hash) or RotationPending (pending hash set); both the
// current and the pending token authenticate while a rotation is in flight,
// so rotation never locks an agent out.
type Controller struct {
	store    AgentStore
	sender   CommandSender
	events   EventRecorder
	settings Settings
	logger   *slog.Logger
}

func NewController(store AgentStore, sender CommandSender, events EventRecorder, settings Settings, logger *slog.Logger) *Controller {
	return &Controller{
		store:    store,
		sender:   sender,
		events:   events,
		settings: settings,
		logger:   logger,
	}
}

// Initiate starts a rotation for the agent. It generates a fresh token,
// stores only its hash as the pending hash, and returns the plaintext exactly
// once. The caller is solely responsible for delivering it.
func (c *Controller) Initiate(ctx context.Context, agentID string) (string, error) {
	agent, err := c.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("failed to load agent: %w", err)
	}
	if agent.TokenHash == "" {
		return "", ErrNoCurrentToken
	}
	if agent.RotationPending() {
		return "", ErrRotationConflict
	}

	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	pending := HashToken(token)

	if err := c.store.UpdateAgent(ctx, agentID, agents.AgentUpdate{
		PendingTokenHash: &pending,
	}); err != nil {
		return "", fmt.Errorf("failed to store pending token: %w", err)
	}

	c.events.Record(events.TypeRotationStarted, agentID, nil)
	c.logger.Info("Rotation initiated", "agent_id", agentID)
	return token, nil
}

// Complete promotes the pending hash to the current hash, clears the pending
// slot, and stamps a fresh validity window.
func (c *Controller) Complete(ctx context.Context, agentID string) error {
	agent, err := c.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}
	if !agent.RotationPending() {
		return ErrNoPendingRotation
	}

	now := time.Now().UTC()
	expires := now.Add(c.settings.RotationPeriod())
	if err := c.store.UpdateAgent(ctx, agentID, agents.AgentUpdate{
		TokenHash:             agent.PendingTokenHash,
		ClearPendingTokenHash: true,
		TokenIssuedAt:         &now,
		TokenExpiresAt:        &expires,
	}); err != nil {
		return fmt.Errorf("failed to promote pending token: %w", err)
	}

	c.events.Record(events.TypeRotationCompleted, agentID, nil)
	c.logger.Info("Rotation completed", "agent_id", agentID, "token_expires_at", expires)
	return nil
}

// Cancel clears the pending hash only; the current token remains valid. Used
// when delivery fails or is aborted.
func (c *Controller) Cancel(ctx context.Context, agentID string) error {
	agent, err := c.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}
	if !agent.RotationPending() {
		return ErrNoPendingRotation
	}

	if err := c.store.UpdateAgent(ctx, agentID, agents.AgentUpdate{
		ClearPendingTokenHash: true,
	}); err != nil {
		return fmt.Errorf("failed to clear pending token: %w", err)
	}

	c.events.Record(events.TypeRotationCancelled, agentID, nil)
	c.logger.Info("Rotation cancelled", "agent_id", agentID)
	return nil
}

// ValidateToken authenticates a presented token. The current hash is checked
// first (grace path, no side effect); a match on the pending hash
// authenticates and auto-completes the rotation, treating first presentation
// of the new token as proof of successful delivery.
func (c *Controller) ValidateToken(ctx context.Context, presented string) (*agents.Agent, error) {
	hash := HashToken(presented)

	agent, err := c.store.GetAgentByTokenHash(ctx, hash)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, agents.ErrAgentNotFound) {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	agent, err = c.store.GetAgentByPendingTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("failed to look up pending token: %w", err)
	}

	if err := c.Complete(ctx, agent.ID); err != nil && !errors.Is(err, ErrNoPendingRotation) {
		return nil, fmt.Errorf("failed to auto-complete rotation: %w", err)
	}

	return c.store.GetAgentByID(ctx, agent.ID)
}

// IssueInitialToken mints the agent's first token at enrollment time. The
// plaintext is returned exactly once.
func (c *Controller) IssueInitialToken(ctx context.Context, agentID string) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	hash := HashToken(token)

	now := time.Now().UTC()
	expires := now.Add(c.settings.RotationPeriod())
	if err := c.store.UpdateAgent(ctx, agentID, agents.AgentUpdate{
		TokenHash:             &hash,
		ClearPendingTokenHash: true,
		TokenIssuedAt:         &now,
		TokenExpiresAt:        &expires,
	}); err != nil {
		return "", fmt.Errorf("failed to store initial token: %w", err)
	}

	return token, nil
}

// CheckTokenExpiry sweeps agents whose token validity has lapsed with no
// rotation in flight, and rotates each over its live connection. A failure
// on one agent never aborts the sweep over the rest.
func (c *Controller) CheckTokenExpiry(ctx context.Context) {
	expiring, err := c.store.GetAgentsWithExpiringTokens(ctx, time.Now().UTC())
	if err != nil {
		c.logger.Error("Failed to query expiring tokens", "error", err)
		return
	}

	for _, agent := range expiring {
		if err := c.rotateAgent(ctx, agent.ID); err != nil {
			c.logger.Error("Failed to rotate agent token", "agent_id", agent.ID, "error", err)
		}
	}
}

// Rotate initiates a rotation for one agent and delivers the new token over
// its live channel. Used for operator-requested rotations.
func (c *Controller) Rotate(ctx context.Context, agentID string) error {
	return c.rotateAgent(ctx, agentID)
}

// rotateAgent initiates a rotation and delivers the new token over the live
// channel. Any delivery failure cancels the rotation so no orphaned pending
// token is left behind.
func (c *Controller) rotateAgent(ctx context.Context, agentID string) error {
	token, err := c.Initiate(ctx, agentID)
	if err != nil {
		return err
	}

	params := protocol.RotateTokenParams{
		NewToken:           token,
		GracePeriodSeconds: int(c.settings.GracePeriod().Seconds()),
	}
	_, err = c.sender.SendCommand(ctx, agentID, protocol.MethodRotateToken, params, c.settings.CommandTimeout())
	if err != nil {
		c.events.Record(events.TypeRotationFailed, agentID, map[string]any{"error": err.Error()})
		if cancelErr := c.Cancel(ctx, agentID); cancelErr != nil {
			c.logger.Error("Failed to cancel rotation after delivery failure",
				"agent_id", agentID,
				"error", cancelErr)
		}
		return fmt.Errorf("failed to deliver new token: %w", err)
	}

	c.logger.Info("New token delivered", "agent_id", agentID)
	return nil
}

// Run drives the expiry sweep on a fixed interval until the context is
// cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.settings.RotationCheckInterval())
	defer ticker.Stop()

	c.logger.Info("Rotation scheduler started", "interval", c.settings.RotationCheckInterval())
	for {
		select {
		case <-ticker.C:
			c.CheckTokenExpiry(ctx)
		case <-ctx.Done():
			c.logger.Info("Rotation scheduler stopped")
			return
		}
	}
}

// HandleRotationComplete consumes the agent.rotation_complete notification.
// Rotation may already have auto-completed when the agent reconnected with
// the new token, in which case there is nothing left to do.
func (c *Controller) HandleRotationComplete(ctx context.Context, agentID string, params json.RawMessage) {
	var p protocol.RotationCompleteParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			c.logger.Warn("Malformed rotation_complete params", "agent_id", agentID, "error", err)
		}
	}

	if err := c.Complete(ctx, agentID); err != nil {
		if errors.Is(err, ErrNoPendingRotation) {
			return
		}
		c.logger.Error("Failed to complete rotation", "agent_id", agentID, "error", err)
	}
}

// HandleRotationFailed consumes the agent.rotation_failed notification and
// rolls the agent back to its stable token.
func (c *Controller) HandleRotationFailed(ctx context.Context, agentID string, params json.RawMessage) {
	var p protocol.RotationFailedParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			c.logger.Warn("Malformed rotation_failed params", "agent_id", agentID, "error", err)
		}
	}

	c.logger.Warn("Agent reported rotation failure", "agent_id", agentID, "error", p.Error)
	c.events.Record(events.TypeRotationFailed, agentID, map[string]any{"error": p.Error})

	if err := c.Cancel(ctx, agentID); err != nil && !errors.Is(err, ErrNoPendingRotation) {
		c.logger.Error("Failed to cancel rotation", "agent_id", agentID, "error", err)
	}
}
