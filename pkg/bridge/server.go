package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"edbridge/pkg/transport"
)

// ServerConfig controls where the host accepts worker connections.
type ServerConfig struct {
	// Addr is the TCP listen address for the websocket endpoint. Empty
	// disables it.
	Addr string
	// Path is the websocket endpoint path.
	Path string
	// SocketPath optionally accepts line-delimited JSON workers on a unix
	// socket.
	SocketPath string
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Path == "" {
		c.Path = "/bridge"
	}
	return c
}

// Server accepts worker connections and hands each one to the bridge.
type Server struct {
	bridge *Bridge
	cfg    ServerConfig
	log    *zap.Logger

	mu      sync.Mutex
	httpSrv *http.Server
	tcpLn   net.Listener
	unixLn  net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// NewServer creates a server for b. Call Start to bind.
func NewServer(b *Bridge, cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{bridge: b, cfg: cfg.withDefaults(), log: logger, ctx: ctx, cancel: cancel}
}

// Handler returns the HTTP handler serving the websocket endpoint and a
// JSON status page at /status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start binds the configured listeners and begins accepting.
func (s *Server) Start() error {
	s.bridge.Start()

	if s.cfg.Addr != "" {
		ln, err := net.Listen("tcp", s.cfg.Addr) //nolint:noctx // bind is instant
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
		}
		srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		s.mu.Lock()
		s.tcpLn, s.httpSrv = ln, srv
		s.mu.Unlock()

		s.log.Info("websocket endpoint listening", zap.String("url", "ws://"+ln.Addr().String()+s.cfg.Path))
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("http server stopped", zap.Error(err))
			}
		}()
	}

	if s.cfg.SocketPath != "" {
		ln, err := transport.ListenUnix(s.cfg.SocketPath)
		if err != nil {
			_ = s.Close(context.Background())
			return err
		}
		s.mu.Lock()
		s.unixLn = ln
		s.mu.Unlock()

		s.log.Info("unix endpoint listening", zap.String("path", s.cfg.SocketPath))
		go s.acceptLoop(ln)
	}
	return nil
}

// Addr returns the bound TCP address, or "" when the websocket endpoint is
// disabled or not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return ""
	}
	return s.tcpLn.Addr().String()
}

// URL returns the websocket URL workers should dial.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	return "ws://" + addr + s.cfg.Path
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.serve(transport.NewLineConn(conn))
	}
}

func (s *Server) serve(conn transport.Conn) {
	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		s.bridge.ServeConn(s.ctx, conn)
	}()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "bridge stopping", http.StatusServiceUnavailable)
		return
	}
	conn, err := transport.Accept(w, r)
	if err != nil {
		s.log.Warn("websocket accept failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s.log.Debug("websocket connection accepted", zap.String("conn", conn.ID()), zap.String("remote", r.RemoteAddr))

	// The handler owns the hijacked connection until the bridge is done
	// with it.
	s.conns.Add(1)
	defer s.conns.Done()
	s.bridge.ServeConn(s.ctx, conn)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.bridge.Status()); err != nil {
		s.log.Debug("status write failed", zap.Error(err))
	}
}

// Close stops accepting, shuts the bridge down and waits for connection
// goroutines or ctx.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	httpSrv, unixLn := s.httpSrv, s.unixLn
	s.mu.Unlock()

	var errs []error
	if unixLn != nil {
		if err := unixLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close unix listener: %w", err))
		}
	}
	if err := s.bridge.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.cancel()
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for connections: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
