// Package transport carries protocol envelopes over a persistent connection.
// Two framings are provided: websocket text messages for TCP ports and
// line-delimited JSON for unix sockets and in-process pipes.
package transport

import (
	"context"
	"errors"
	"time"

	"edbridge/pkg/protocol"
)

// ErrClosed is returned by Send and Recv once the connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

// writeTimeout bounds a single frame write. Cancelling the caller's context
// does not interrupt a write in progress; only its deadline, when earlier,
// shortens the bound.
const writeTimeout = 10 * time.Second

// writeDeadline is the earlier of ctx's deadline and writeTimeout from now.
func writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// maxFrameSize caps a single inbound frame.
const maxFrameSize = 4 << 20

// Conn is one bridge connection. Recv must only be called from a single
// goroutine; Send and Close are safe for concurrent use.
type Conn interface {
	// ID is unique per accepted or dialed connection.
	ID() string
	// Send writes one envelope as a single frame.
	Send(ctx context.Context, env protocol.Envelope) error
	// Recv blocks for the next raw frame.
	Recv(ctx context.Context) ([]byte, error)
	// Close is idempotent.
	Close() error
	// Done is closed once the connection is closed by either side.
	Done() <-chan struct{}
}

// IsOpen reports whether c has not been closed yet.
func IsOpen(c Conn) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.Done():
		return false
	default:
		return true
	}
}
