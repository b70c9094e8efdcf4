package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/flotilla-dev/flotilla/internal/agents"
	"github.com/flotilla-dev/flotilla/internal/api/http/dto"
	"github.com/flotilla-dev/flotilla/internal/events"
	"github.com/flotilla-dev/flotilla/internal/ratelimit"
	"github.com/flotilla-dev/flotilla/internal/registry"
	"github.com/flotilla-dev/flotilla/internal/rotation"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ConnectHandler owns the agent-facing authentication boundary: enrollment
// with a one-time registration code and the persistent websocket channel.
// Both paths pass the rate limiter before any credential is examined.
type ConnectHandler struct {
	registry     *registry.Registry
	rotation     *rotation.Controller
	agentService *agents.Service
	limiter      *ratelimit.Limiter
	events       *events.Logger
	serverID     string
	upgrader     websocket.Upgrader
}

func NewConnectHandler(reg *registry.Registry, rot *rotation.Controller, agentService *agents.Service, limiter *ratelimit.Limiter, ev *events.Logger, serverID string) *ConnectHandler {
	return &ConnectHandler{
		registry:     reg,
		rotation:     rot,
		agentService: agentService,
		limiter:      limiter,
		events:       ev,
		serverID:     serverID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; the bearer token is the boundary.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Enroll exchanges a one-time registration code for the agent's first token.
// POST /agent/enroll
func (h *ConnectHandler) Enroll(c *gin.Context) {
	key := c.ClientIP()
	if !h.limiter.Allow(key) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts"})
		return
	}
	h.limiter.RecordAttempt(key)

	var req dto.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	ctx := c.Request.Context()
	code, err := h.agentService.ConsumeRegistrationCode(ctx, req.Code)
	if err != nil {
		// No distinction between unknown, used, and expired codes; a verbose
		// rejection is an oracle for attackers.
		slog.Warn("Enrollment rejected", "client_ip", key, "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid registration code"})
		return
	}

	token, err := h.rotation.IssueInitialToken(ctx, code.AgentID)
	if err != nil {
		slog.Error("Failed to issue initial token", "agent_id", code.AgentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	if req.Version != "" {
		if err := h.agentService.UpdateAgent(ctx, code.AgentID, agents.AgentUpdate{Version: &req.Version}); err != nil {
			slog.Error("Failed to persist agent version", "agent_id", code.AgentID, "error", err)
		}
	}

	h.limiter.RecordSuccess(key)
	h.events.Record(events.TypeAgentEnrolled, code.AgentID, map[string]any{"client_ip": key})
	slog.Info("Agent enrolled", "agent_id", code.AgentID)

	c.JSON(http.StatusOK, dto.EnrollResponse{
		AgentID: code.AgentID,
		Token:   token,
	})
}

// Connect authenticates an agent token, upgrades to a websocket, registers
// the connection, and pumps its message loop until disconnect.
// GET /agent/connect
func (h *ConnectHandler) Connect(c *gin.Context) {
	key := c.ClientIP()
	if !h.limiter.Allow(key) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts"})
		return
	}
	h.limiter.RecordAttempt(key)

	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing agent token"})
		return
	}

	ctx := c.Request.Context()
	agent, err := h.rotation.ValidateToken(ctx, token)
	if err != nil {
		if !errors.Is(err, rotation.ErrInvalidCredential) {
			slog.Error("Token validation failed", "client_ip", key, "error", err)
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	h.limiter.RecordSuccess(key)

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade writes its own error response.
		slog.Warn("Websocket upgrade failed", "agent_id", agent.ID, "error", err)
		return
	}

	conn := h.registry.Register(ctx, agent.ID, h.serverID, newWSChannel(wsConn))
	h.events.Record(events.TypeAgentConnected, agent.ID, map[string]any{"client_ip": key})

	if err := h.registry.MessageLoop(ctx, conn); err != nil {
		slog.Error("Message loop aborted", "agent_id", agent.ID, "error", err)
	}
	h.events.Record(events.TypeAgentDisconnected, agent.ID, nil)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// wsChannel adapts a websocket connection to the registry's transport
// abstraction.
type wsChannel struct {
	conn *websocket.Conn
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

func (w *wsChannel) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsChannel) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsChannel) Close() error {
	return w.conn.Close()
}
