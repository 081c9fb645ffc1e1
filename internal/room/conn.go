package room

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultQueueSize is the outbound frame buffer per connection.
const DefaultQueueSize = 256

// Conn is one participant connection as seen by a room. The room enqueues
// encoded frames; a transport pump drains Outbox.
type Conn struct {
	id            string
	participantID string
	send          chan []byte

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	reason    string
}

// NewConn creates a connection for participantID with an outbound queue of
// queueSize frames.
func NewConn(participantID string, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Conn{
		id:            uuid.NewString(),
		participantID: participantID,
		send:          make(chan []byte, queueSize),
		done:          make(chan struct{}),
	}
}

// ID is unique per connection.
func (c *Conn) ID() string { return c.id }

// ParticipantID is the user id, or the agent sentinel.
func (c *Conn) ParticipantID() string { return c.participantID }

// Outbox yields frames in the order the room emitted them.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Done is closed once the room or transport closes the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseReason returns why the connection was closed, if it was.
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// enqueue never blocks; false means the frame was not queued.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close marks the connection closed. Safe to call more than once.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}
