package dto

import (
	"encoding/json"
	"time"
)

type AgentResponse struct {
	ID              string    `json:"id"`
	ServerID        string    `json:"server_id"`
	Status          string    `json:"status"`
	Connected       bool      `json:"connected"`
	RotationPending bool      `json:"rotation_pending"`
	LastSeen        time.Time `json:"last_seen"`
	RegisteredAt    time.Time `json:"registered_at"`
	TokenIssuedAt   time.Time `json:"token_issued_at"`
	TokenExpiresAt  time.Time `json:"token_expires_at"`
	Version         string    `json:"version"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

type CreateAgentResponse struct {
	Agent            AgentResponse `json:"agent"`
	RegistrationCode string        `json:"registration_code"`
	CodeExpiresAt    time.Time     `json:"code_expires_at"`
}

type CommandRequest struct {
	Method         string          `json:"method" binding:"required"`
	Params         json.RawMessage `json:"params"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

type CommandResponse struct {
	Result json.RawMessage `json:"result"`
}

type RegistrationCodeRequest struct {
	TTLMinutes int `json:"ttl_minutes"`
}

type RegistrationCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type EnrollRequest struct {
	Code    string `json:"code" binding:"required"`
	Version string `json:"version"`
}

type EnrollResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}
