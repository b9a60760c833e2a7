package hub

import (
	"fmt"
	"sync"
)

// BufferedConn queues frames for a writer goroutine. Deliver never blocks: a full
// buffer or a closed connection is reported as ErrDeliveryFailed.
type BufferedConn struct {
	id     string
	send   chan []byte
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewBufferedConn creates a connection with room for size pending frames
func NewBufferedConn(id string, size int) *BufferedConn {
	if size <= 0 {
		size = 1
	}
	return &BufferedConn{id: id, send: make(chan []byte, size), done: make(chan struct{})}
}

func (c *BufferedConn) ID() string { return c.id }

func (c *BufferedConn) Deliver(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", ErrDeliveryFailed)
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", ErrDeliveryFailed)
	}
}

// Frames is drained by the writer. It is closed by Close.
func (c *BufferedConn) Frames() <-chan []byte { return c.send }

// Done is closed by Close
func (c *BufferedConn) Done() <-chan struct{} { return c.done }

func (c *BufferedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	close(c.done)
	return nil
}
