package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"edbridge/pkg/protocol"
)

// WSConn adapts a websocket connection to Conn. Each envelope is one text
// message.
type WSConn struct {
	id   string
	conn *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(c *websocket.Conn) *WSConn {
	c.SetReadLimit(maxFrameSize)
	return &WSConn{
		id:   uuid.NewString(),
		conn: c,
		done: make(chan struct{}),
	}
}

// Accept upgrades an HTTP request to a bridge connection. Only loopback
// origins are meaningful for the bridge, so origin checks are left to the
// listen address.
func Accept(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	return NewWSConn(c), nil
}

// DialWS connects to a bridge host at url (ws://host:port/path).
func DialWS(ctx context.Context, url string) (*WSConn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSConn(c), nil
}

// ID returns the connection id.
func (c *WSConn) ID() string { return c.id }

// Done is closed once the connection is closed.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// Send writes env as a single text message.
func (c *WSConn) Send(ctx context.Context, env protocol.Envelope) error {
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
	wctx, cancel := context.WithDeadline(context.Background(), writeDeadline(ctx))
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		c.markClosed()
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Recv blocks for the next message. Cancelling ctx closes the connection, as
// the underlying websocket library does for reads.
func (c *WSConn) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.markClosed()
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("%w: status %d %s", ErrClosed, ce.Code, ce.Reason)
		}
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return data, nil
}

// Close sends a normal closure and releases the connection.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// CloseWith closes the connection with a protocol-level status and reason.
func (c *WSConn) CloseWith(code websocket.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close(code, reason)
	})
	return err
}

func (c *WSConn) markClosed() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.CloseNow()
	})
}
