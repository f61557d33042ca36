// Package transport adapts ordered, reliable, message-oriented byte
// transports — an in-process pipe, or a length-prefixed stream over
// net.Conn — to the Transport interface the Connection Endpoint dispatches
// against.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Recv/Send once the transport has been closed,
// either locally or by the peer disconnecting.
var ErrClosed = errors.New("transport: closed")

// Transport delivers whole messages atomically in both directions. Frames
// handed to Send are never split or merged; frames returned by Recv are
// exactly what some peer passed to its own Send.
type Transport interface {
	// Send delivers one message. Safe to call concurrently with Recv and
	// with itself.
	Send(data []byte) error
	// Recv blocks for the next message, or returns ErrClosed once the
	// transport is closed and drained.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the transport's resources. Idempotent.
	Close() error
}
