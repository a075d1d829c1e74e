package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
)

// ListenUnix binds a unix socket at path, owner-only. A socket file left
// behind by a crashed process is removed first; a live listener is not
// clobbered.
func ListenUnix(path string) (net.Listener, error) {
	if err := CleanStaleSocket(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path) //nolint:noctx // UDS bind is instant
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", path, err)
	}
	return ln, nil
}

// CleanStaleSocket removes the file at socketPath if nothing is listening on
// it. It returns an error when another process is accepting connections.
func CleanStaleSocket(socketPath string) error {
	_, err := os.Stat(socketPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	dialer := net.Dialer{}
	conn, dialErr := dialer.DialContext(ctx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is already in use", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}
