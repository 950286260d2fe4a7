package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// ConnID identifies one transport connection (one tab or device).
type ConnID string

func NewConnID() ConnID { return ConnID(uuid.NewString()) }

// Identity is the read-only copy of the user captured when a connection
// authenticates. It is never mutated afterwards.
type Identity struct {
	UserID      uuid.UUID
	WorkspaceID uuid.UUID
	Email       string
	DisplayName string
}

// Connection is the transport-neutral handle for one socket: an outbound
// queue drained by the transport's writer and a done signal.
//
// The queue is never closed, so a late enqueue after Close cannot panic;
// the writer stops on Done instead.
type Connection struct {
	id        ConnID
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(id ConnID, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 1
	}
	return &Connection{
		id:   id,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *Connection) ID() ConnID { return c.id }

// Outbound is read by the transport's write pump.
func (c *Connection) Outbound() <-chan []byte { return c.send }

func (c *Connection) Done() <-chan struct{} { return c.done }

// Close is idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks. It reports false when the connection is closed or
// its queue is full.
func (c *Connection) enqueue(data []byte) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
