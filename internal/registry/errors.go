package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates no live channel exists for the agent.
	ErrNotConnected = errors.New("agent not connected")

	// ErrTimeout indicates the RPC deadline elapsed before a response
	// arrived. The pending entry is removed, so a late response is dropped.
	ErrTimeout = errors.New("command timed out")

	// ErrTransport indicates a write or send failure on the live channel.
	ErrTransport = errors.New("transport error")

	// ErrTooManyErrors aborts a message loop after too many consecutive
	// handling failures, as opposed to a clean transport-closed disconnect.
	ErrTooManyErrors = errors.New("too many consecutive message errors")
)

// RemoteError carries a JSON-RPC error object returned by the agent.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}
