// Package control serves tool calls to a running host over a local unix
// socket. Each line on a connection is one JSON request; each request gets
// exactly one JSON response line.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"edbridge/pkg/protocol"
	"edbridge/pkg/toolcall"
	"edbridge/pkg/transport"
)

// maxLine caps one request or response line.
const maxLine = 4 << 20

// writeTimeout bounds one response write.
const writeTimeout = 5 * time.Second

// Request is one control-socket call.
type Request struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Caller runs tool calls. *toolcall.Dispatcher implements it.
type Caller interface {
	Call(ctx context.Context, name string, args json.RawMessage) toolcall.Result
}

// Server accepts control connections on a unix socket.
type Server struct {
	path   string
	caller Caller
	log    *zap.Logger

	mu sync.Mutex
	ln net.Listener

	conns  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a control server for path. Call Start to bind.
func NewServer(path string, caller Caller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{path: path, caller: caller, log: logger, ctx: ctx, cancel: cancel}
}

// Start binds the socket and begins accepting.
func (s *Server) Start() error {
	ln, err := transport.ListenUnix(s.path)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("control socket listening", zap.String("path", s.path))
	go s.acceptLoop(ln)
	return nil
}

// Close stops accepting and waits for in-flight calls.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("close control socket: %w", cerr)
		}
	}
	s.conns.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("control accept failed", zap.Error(err))
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		var res toolcall.Result
		if err := json.Unmarshal(line, &req); err != nil {
			res = toolcall.ErrorResult(protocol.Errorf(protocol.CodeInvalidParams, "malformed request: %v", err))
		} else {
			s.log.Debug("control call", zap.String("tool", req.Tool))
			res = s.caller.Call(s.ctx, req.Tool, req.Arguments)
		}
		if err := writeLine(conn, res); err != nil {
			s.log.Debug("control reply failed", zap.Error(err))
			return
		}
	}
}

func writeLine(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	data = append(data, '\n')
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
