package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC protocol version stamped on every frame.
const Version = "2.0"

// Notification methods sent by agents.
const (
	MethodHeartbeat        = "agent.heartbeat"
	MethodShutdown         = "agent.shutdown"
	MethodRotationComplete = "agent.rotation_complete"
	MethodRotationFailed   = "agent.rotation_failed"
)

// Commands sent to agents.
const (
	MethodRotateToken = "agent.rotate_token"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Request is a server-to-agent JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is the JSON-RPC error object carried in a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Message is any inbound frame from an agent: a response (id + result/error)
// or a notification (method, no id).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the frame correlates to an outstanding request.
func (m *Message) IsResponse() bool {
	return m.ID != "" && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the frame is a fire-and-forget notification.
func (m *Message) IsNotification() bool {
	return m.ID == "" && m.Method != ""
}

// NewRequest builds a marshalled JSON-RPC request frame.
func NewRequest(id, method string, params any) ([]byte, error) {
	req := Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = data
	}
	return json.Marshal(req)
}

// Parse decodes an inbound frame. Frames that do not decode as a JSON object
// are rejected with ErrMalformedFrame.
func Parse(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &msg, nil
}

// HeartbeatParams is the payload of agent.heartbeat.
type HeartbeatParams struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Timestamp     int64   `json:"timestamp"`
}

// ShutdownParams is the payload of agent.shutdown.
type ShutdownParams struct {
	Reason  string `json:"reason"`
	Restart bool   `json:"restart"`
}

// RotationCompleteParams is the payload of agent.rotation_complete.
type RotationCompleteParams struct {
	RotatedAt int64 `json:"rotated_at"`
}

// RotationFailedParams is the payload of agent.rotation_failed.
type RotationFailedParams struct {
	Error string `json:"error"`
}

// RotateTokenParams is the payload of the agent.rotate_token command. The
// agent must accept both old and new tokens for the grace period.
type RotateTokenParams struct {
	NewToken           string `json:"new_token"`
	GracePeriodSeconds int    `json:"grace_period_seconds"`
}
