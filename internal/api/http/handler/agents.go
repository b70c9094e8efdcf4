package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flotilla-dev/flotilla/internal/agents"
	"github.com/flotilla-dev/flotilla/internal/api/http/dto"
	"github.com/flotilla-dev/flotilla/internal/registry"
	"github.com/flotilla-dev/flotilla/internal/rotation"
	"github.com/flotilla-dev/flotilla/internal/settings"
	"github.com/gin-gonic/gin"
)

const defaultCodeTTL = time.Hour

type AgentsHandler struct {
	agentService *agents.Service
	registry     *registry.Registry
	rotation     *rotation.Controller
	settings     *settings.Provider
}

func NewAgentsHandler(agentService *agents.Service, reg *registry.Registry, rot *rotation.Controller, s *settings.Provider) *AgentsHandler {
	return &AgentsHandler{
		agentService: agentService,
		registry:     reg,
		rotation:     rot,
		settings:     s,
	}
}

func (h *AgentsHandler) agentResponse(a *agents.Agent) dto.AgentResponse {
	return dto.AgentResponse{
		ID:              a.ID,
		ServerID:        a.ServerID,
		Status:          a.Status,
		Connected:       h.registry.Connected(a.ID),
		RotationPending: a.RotationPending(),
		LastSeen:        a.LastSeen,
		RegisteredAt:    a.RegisteredAt,
		TokenIssuedAt:   a.TokenIssuedAt,
		TokenExpiresAt:  a.TokenExpiresAt,
		Version:         a.Version,
	}
}

// ListAgents returns all agent records with their live-connection state.
// GET /api/agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	agentList, err := h.agentService.ListAgents(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}

	responses := make([]dto.AgentResponse, len(agentList))
	for i := range agentList {
		responses[i] = h.agentResponse(&agentList[i])
	}
	c.JSON(http.StatusOK, dto.ListAgentsResponse{Agents: responses})
}

// GetAgent returns details for a specific agent.
// GET /api/agents/:id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agentID := c.Param("id")

	agent, err := h.agentService.GetAgentByID(c.Request.Context(), agentID)
	if err != nil {
		switch {
		case errors.Is(err, agents.ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		case errors.Is(err, agents.ErrInvalidAgentID):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent ID"})
		default:
			slog.Error("Failed to get agent", "agent_id", agentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		}
		return
	}

	c.JSON(http.StatusOK, h.agentResponse(agent))
}

// CreateAgent registers a new agent record and mints its first enrollment
// code.
// POST /api/agents
func (h *AgentsHandler) CreateAgent(c *gin.Context) {
	ctx := c.Request.Context()

	agent, err := h.agentService.CreateAgent(ctx, "")
	if err != nil {
		slog.Error("Failed to create agent", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create agent"})
		return
	}

	code, rc, err := h.agentService.CreateRegistrationCode(ctx, agent.ID, defaultCodeTTL)
	if err != nil {
		slog.Error("Failed to create registration code", "agent_id", agent.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create registration code"})
		return
	}

	c.JSON(http.StatusCreated, dto.CreateAgentResponse{
		Agent:            h.agentResponse(agent),
		RegistrationCode: code,
		CodeExpiresAt:    rc.ExpiresAt,
	})
}

// RotateToken starts an operator-requested credential rotation and delivers
// the new token over the agent's live channel.
// POST /api/agents/:id/rotate
func (h *AgentsHandler) RotateToken(c *gin.Context) {
	agentID := c.Param("id")

	err := h.rotation.Rotate(c.Request.Context(), agentID)
	if err != nil {
		switch {
		case errors.Is(err, agents.ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		case errors.Is(err, rotation.ErrRotationConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "rotation already pending"})
		case errors.Is(err, rotation.ErrNoCurrentToken):
			c.JSON(http.StatusConflict, gin.H{"error": "agent has no token to rotate"})
		case errors.Is(err, registry.ErrNotConnected):
			c.JSON(http.StatusConflict, gin.H{"error": "agent not connected"})
		default:
			slog.Error("Failed to rotate token", "agent_id", agentID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to deliver new token"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "rotation initiated"})
}

// SendCommand forwards an arbitrary command to a connected agent and returns
// the correlated result.
// POST /api/agents/:id/command
func (h *AgentsHandler) SendCommand(c *gin.Context) {
	agentID := c.Param("id")

	var req dto.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "method is required"})
		return
	}

	timeout := h.settings.CommandTimeout()
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	var params any
	if len(req.Params) > 0 {
		params = json.RawMessage(req.Params)
	}

	result, err := h.registry.SendCommand(c.Request.Context(), agentID, req.Method, params, timeout)
	if err != nil {
		var remoteErr *registry.RemoteError
		switch {
		case errors.Is(err, registry.ErrNotConnected):
			c.JSON(http.StatusConflict, gin.H{"error": "agent not connected"})
		case errors.Is(err, registry.ErrTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "command timed out"})
		case errors.As(err, &remoteErr):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":        "agent returned an error",
				"remote_code":  remoteErr.Code,
				"remote_error": remoteErr.Message,
			})
		default:
			slog.Error("Failed to send command", "agent_id", agentID, "method", req.Method, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to send command"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.CommandResponse{Result: result})
}

// CreateRegistrationCode mints a new one-time enrollment code for an existing
// agent.
// POST /api/agents/:id/registration-codes
func (h *AgentsHandler) CreateRegistrationCode(c *gin.Context) {
	agentID := c.Param("id")

	var req dto.RegistrationCodeRequest
	_ = c.ShouldBindJSON(&req)

	ttl := defaultCodeTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	// Verify the agent exists before minting a code bound to it.
	if _, err := h.agentService.GetAgentByID(c.Request.Context(), agentID); err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) || errors.Is(err, agents.ErrInvalidAgentID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to get agent", "agent_id", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return
	}

	code, rc, err := h.agentService.CreateRegistrationCode(c.Request.Context(), agentID, ttl)
	if err != nil {
		slog.Error("Failed to create registration code", "agent_id", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create registration code"})
		return
	}

	c.JSON(http.StatusCreated, dto.RegistrationCodeResponse{
		Code:      code,
		ExpiresAt: rc.ExpiresAt,
	})
}
