package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flotilla-dev/flotilla/internal/protocol"
)

// Channel is the transport abstraction a connected agent speaks over. The
// registry never sees the concrete transport; anything that can move opaque
// frames in both directions will do.
type Channel interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Connection represents one live agent channel together with its in-flight
// requests. Owned exclusively by the Registry; destroyed on disconnect or
// supersession.
type Connection struct {
	AgentID   string
	ServerID  string
	CreatedAt time.Time

	channel Channel
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	closed  bool

	// writeMu serializes frame writes; concurrent writers on one channel
	// would interleave.
	writeMu sync.Mutex
}

func newConnection(agentID, serverID string, ch Channel, logger *slog.Logger) *Connection {
	return &Connection{
		AgentID:   agentID,
		ServerID:  serverID,
		CreatedAt: time.Now(),
		channel:   ch,
		logger:    logger,
		pending:   make(map[string]chan *protocol.Message),
	}
}

// createRequest registers a pending request and returns its completion
// channel. Returns false if the connection is already closed.
func (c *Connection) createRequest(requestID string) (<-chan *protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false
	}
	ch := make(chan *protocol.Message, 1)
	c.pending[requestID] = ch
	return ch, true
}

// closeRequest removes a pending request. A response that arrives afterwards
// no longer has a home and is dropped.
func (c *Connection) closeRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, requestID)
}

// resolve routes a correlated response to the pending request that shares its
// id. Responses with an unrecognized id are logged and discarded.
func (c *Connection) resolve(msg *protocol.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("Received response for unknown request",
			"request_id", msg.ID,
			"agent_id", c.AgentID)
		return
	}

	ch <- msg
	close(ch)
}

// write sends one frame on the channel.
func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.channel.WriteMessage(data)
}

// close shuts the channel and fails every in-flight request by closing its
// completion channel. Safe to call more than once.
func (c *Connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	return c.channel.Close()
}
