package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"edbridge/pkg/protocol"
	"edbridge/pkg/transport"
)

// Dialer opens a connection to the host listening on port.
type Dialer func(ctx context.Context, port int) (transport.Conn, error)

// ServeFunc drives one connection until it closes or ctx is cancelled.
type ServeFunc func(ctx context.Context, conn transport.Conn) error

// ManagerConfig tunes the reconnect loop. Zero values fall back to defaults.
type ManagerConfig struct {
	Port               int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	BackoffMultiplier  float64
	Jitter             float64
	PortChangeAttempts int
	PortChangeTimeout  time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	if c.PortChangeAttempts <= 0 {
		c.PortChangeAttempts = 3
	}
	if c.PortChangeTimeout <= 0 {
		c.PortChangeTimeout = 5 * time.Second
	}
	return c
}

// PortChangeOutcome is the result kind of ApplyPortChange.
type PortChangeOutcome string

// Port change outcomes.
const (
	PortApplied    PortChangeOutcome = "applied"
	PortRolledBack PortChangeOutcome = "rolled_back"
	PortFailed     PortChangeOutcome = "failed"
)

// PortChangeResult reports where the worker ended up after a port change.
// Port is the new port when applied and the last known good port otherwise.
type PortChangeResult struct {
	Outcome PortChangeOutcome `json:"outcome"`
	Port    int               `json:"port"`
	Code    protocol.Code     `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

// ManagerStatus is a point-in-time view of the reconnect loop.
type ManagerStatus struct {
	DesiredPort int  `json:"desired_port"`
	ActivePort  int  `json:"active_port"`
	Connected   bool `json:"connected"`
	Failures    int  `json:"failures"`
}

// Manager keeps one outbound connection to the host alive. A failed or
// closed connection is retried after a multiplicative backoff with
// symmetric jitter; a successful connect resets the backoff.
type Manager struct {
	cfg   ManagerConfig
	dial  Dialer
	serve ServeFunc
	log   *zap.Logger

	mu         sync.Mutex
	port       int
	activePort int
	conn       transport.Conn
	connPort   int
	stopConn   context.CancelFunc
	backoff    time.Duration
	failures   int
	connected  chan struct{}

	wake     chan struct{}
	reconfig sync.Mutex

	randFloat func() float64
}

// NewManager creates a manager dialing cfg.Port with dial and handing each
// connection to serve.
func NewManager(cfg ManagerConfig, dial Dialer, serve ServeFunc, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		dial:       dial,
		serve:      serve,
		log:        logger,
		port:       cfg.Port,
		activePort: cfg.Port,
		backoff:    cfg.BackoffInitial,
		connected:  make(chan struct{}),
		wake:       make(chan struct{}, 1),
		randFloat:  rand.Float64, //nolint:gosec // jitter doesn't need crypto rand
	}
}

// Run connects, serves and reconnects until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		port := m.DesiredPort()
		conn, err := m.dial(ctx, port)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Debug("connect failed", zap.Int("port", port), zap.Error(err))
		} else {
			m.runSession(ctx, conn, port)
			if ctx.Err() != nil {
				return nil
			}
		}

		delay := m.nextDelay()
		m.log.Debug("reconnect backoff", zap.Duration("delay", delay), zap.Int("failures", m.Status().Failures))
		if !m.sleep(ctx, delay) {
			return nil
		}
	}
}

func (m *Manager) runSession(ctx context.Context, conn transport.Conn, port int) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.port != port {
		// The desired port moved while this dial was in flight.
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn, m.connPort, m.stopConn = conn, port, cancel
	m.activePort = port
	m.backoff = m.cfg.BackoffInitial
	m.failures = 0
	close(m.connected)
	m.connected = make(chan struct{})
	m.mu.Unlock()

	m.log.Info("connected to host", zap.Int("port", port), zap.String("conn", conn.ID()))
	err := m.serve(sessCtx, conn)
	_ = conn.Close()

	m.mu.Lock()
	if m.conn == conn {
		m.conn, m.stopConn = nil, nil
	}
	m.mu.Unlock()

	if ctx.Err() == nil {
		m.log.Info("host connection lost", zap.Int("port", port), zap.Error(err))
	}
}

// nextDelay returns the jittered wait for this failure and advances the
// backoff toward its ceiling.
func (m *Manager) nextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.backoff
	m.failures++
	next := time.Duration(float64(m.backoff) * m.cfg.BackoffMultiplier)
	if next > m.cfg.BackoffMax {
		next = m.cfg.BackoffMax
	}
	m.backoff = next
	return jitter(base, m.cfg.Jitter, m.randFloat())
}

// jitter spreads d uniformly over d*(1-frac) .. d*(1+frac); r is in [0,1).
func jitter(d time.Duration, frac, r float64) time.Duration {
	if frac == 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + frac*(2*r-1)))
}

// sleep waits for d, an early wake or ctx. It reports false once ctx is done.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.wake:
		return true
	case <-timer.C:
		return true
	}
}

// RequestReconnect drops the current connection, if any, and cuts the
// current backoff wait short. The backoff progression is left alone.
func (m *Manager) RequestReconnect() {
	m.mu.Lock()
	stop, conn := m.stopConn, m.conn
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ApplyPortChange moves the worker to port. If no connection lands on the new
// port within the configured attempts, the previous port is restored and
// waited for the same way. Only one change runs at a time.
func (m *Manager) ApplyPortChange(ctx context.Context, port int) (PortChangeResult, error) {
	if port <= 0 || port > 65535 {
		return PortChangeResult{}, protocol.Errorf(protocol.CodeInvalidParams, "port %d out of range", port)
	}
	m.reconfig.Lock()
	defer m.reconfig.Unlock()

	m.mu.Lock()
	previous := m.activePort
	already := m.port == port && m.conn != nil && m.connPort == port
	m.mu.Unlock()
	if already {
		return PortChangeResult{Outcome: PortApplied, Port: port}, nil
	}

	m.log.Info("applying port change", zap.Int("from", previous), zap.Int("to", port))
	m.setDesiredPort(port)
	if m.awaitPort(ctx, port) {
		m.log.Info("port change applied", zap.Int("port", port))
		return PortChangeResult{Outcome: PortApplied, Port: port}, nil
	}

	m.log.Warn("port change failed, rolling back", zap.Int("port", port), zap.Int("previous", previous))
	m.setDesiredPort(previous)
	if m.awaitPort(ctx, previous) {
		return PortChangeResult{
			Outcome: PortRolledBack,
			Port:    previous,
			Code:    protocol.CodeReconnectTimeout,
			Message: fmt.Sprintf("no host connection on port %d; restored port %d", port, previous),
		}, nil
	}

	m.log.Error("port rollback failed", zap.Int("port", previous))
	return PortChangeResult{
		Outcome: PortFailed,
		Port:    previous,
		Code:    protocol.CodeReconnectTimeout,
		Message: fmt.Sprintf("no host connection on port %d or on previous port %d", port, previous),
	}, nil
}

func (m *Manager) setDesiredPort(port int) {
	m.mu.Lock()
	m.port = port
	m.mu.Unlock()
}

// awaitPort forces a reconnect per attempt and waits for a connection on port.
func (m *Manager) awaitPort(ctx context.Context, port int) bool {
	for range m.cfg.PortChangeAttempts {
		m.RequestReconnect()
		if m.waitConnected(ctx, port, m.cfg.PortChangeTimeout) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func (m *Manager) waitConnected(ctx context.Context, port int, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		ok := m.conn != nil && m.connPort == port && transport.IsOpen(m.conn)
		ch := m.connected
		m.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-ch:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// DesiredPort is the port the next connect attempt dials.
func (m *Manager) DesiredPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// ActivePort is the last port a connection was established on.
func (m *Manager) ActivePort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePort
}

// Status returns the loop's current view.
func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStatus{
		DesiredPort: m.port,
		ActivePort:  m.activePort,
		Connected:   m.conn != nil && transport.IsOpen(m.conn),
		Failures:    m.failures,
	}
}
