package worker

import (
	"context"
	"net"
	"strconv"
	"time"

	"edbridge/pkg/transport"
)

// dialTimeout bounds one connect attempt.
const dialTimeout = 5 * time.Second

// WSDialer dials the host's websocket endpoint at ws://host:port/path.
func WSDialer(host, path string) Dialer {
	if path == "" {
		path = "/bridge"
	}
	return func(ctx context.Context, port int) (transport.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		url := "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
		conn, err := transport.DialWS(ctx, url)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// UnixDialer dials the host's unix socket. The port is ignored.
func UnixDialer(socketPath string) Dialer {
	return func(ctx context.Context, _ int) (transport.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		conn, err := transport.DialUnix(ctx, socketPath)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
