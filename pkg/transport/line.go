package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"edbridge/pkg/protocol"
)

// LineConn frames envelopes as line-delimited JSON over a net.Conn.
type LineConn struct {
	id      string
	conn    net.Conn
	scanner *bufio.Scanner

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewLineConn wraps c. The caller hands ownership of c to the LineConn.
func NewLineConn(c net.Conn) *LineConn {
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &LineConn{
		id:      uuid.NewString(),
		conn:    c,
		scanner: scanner,
		done:    make(chan struct{}),
	}
}

// DialUnix connects to a bridge host listening on a unix socket.
func DialUnix(ctx context.Context, path string) (*LineConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial unix %s: %w", path, err)
	}
	return NewLineConn(c), nil
}

// ID returns the connection id.
func (c *LineConn) ID() string { return c.id }

// Done is closed once the connection is closed.
func (c *LineConn) Done() <-chan struct{} { return c.done }

// Send writes env followed by a newline.
func (c *LineConn) Send(ctx context.Context, env protocol.Envelope) error {
	if !IsOpen(c) {
		return ErrClosed
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(writeDeadline(ctx))
	if _, err := c.conn.Write(data); err != nil {
		c.markClosed()
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Recv blocks for the next line. Cancelling ctx closes the connection so the
// blocked read returns.
func (c *LineConn) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if !c.scanner.Scan() {
		c.markClosed()
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, ErrClosed
	}
	// Scanner reuses its buffer between calls.
	line := c.scanner.Bytes()
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

// Close closes the underlying connection.
func (c *LineConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *LineConn) markClosed() {
	_ = c.Close()
}
