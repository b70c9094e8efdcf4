package agents

import (
	"time"
)

// Agent status values as persisted.
const (
	StatusPending      = "PENDING"
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
	StatusUpdating     = "UPDATING"
)

type Agent struct {
	ID               string
	ServerID         string
	TokenHash        string
	PendingTokenHash *string
	Status           string
	LastSeen         time.Time
	RegisteredAt     time.Time
	TokenIssuedAt    time.Time
	TokenExpiresAt   time.Time
	Version          string
}

// RotationPending reports whether a credential rotation is in flight.
func (a *Agent) RotationPending() bool {
	return a.PendingTokenHash != nil
}

// RegistrationCode is a one-time enrollment credential. Only the bcrypt hash
// of the secret half of the code is stored.
type RegistrationCode struct {
	ID        string
	AgentID   string
	CodeHash  string
	ExpiresAt time.Time
	Used      bool
}

// AgentUpdate is a partial update applied to a persisted agent record. Nil
// fields are left untouched. ClearPendingTokenHash nulls the pending hash and
// takes precedence over PendingTokenHash.
type AgentUpdate struct {
	Status                *string
	ServerID              *string
	LastSeen              *time.Time
	TokenHash             *string
	PendingTokenHash      *string
	ClearPendingTokenHash bool
	TokenIssuedAt         *time.Time
	TokenExpiresAt        *time.Time
	Version               *string
}
