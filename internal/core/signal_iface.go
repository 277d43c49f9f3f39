package core

import "time"

// Frame is a raw signaling payload as it travels over the socket.
type Frame []byte

// SignalConnection abstracts the relay's transport endpoint for one peer.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues a frame without blocking; ErrBackpressure-style
	// failures are the caller's signal that the peer is too slow.
	TrySend(Frame) error
	// Ping writes a transport-level ping with the given deadline.
	Ping(deadline time.Time) error
	Close()
}
