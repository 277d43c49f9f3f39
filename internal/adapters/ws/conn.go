// Package ws is the relay-side websocket transport adapter.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelink/carecall/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// Conn wraps one gorilla connection behind a buffered send channel so the
// relay never blocks on a slow peer.
type Conn struct {
	ws   *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func NewConn(ws *websocket.Conn, sendBuffer int) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan core.Frame, sendBuffer),
	}
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Ping writes a control frame directly; gorilla allows this concurrently
// with the write pump.
func (c *Conn) Ping(deadline time.Time) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}
