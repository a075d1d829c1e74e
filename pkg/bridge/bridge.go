// Package bridge is the host side of edbridge. It keeps exactly one active
// worker connection, correlates requests with responses, tracks worker and
// bridge lifecycle, and serializes caller operations through an admission
// controlled scheduler.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edbridge/internal/appversion"
	"edbridge/pkg/eventlog"
	"edbridge/pkg/protocol"
	"edbridge/pkg/transport"
)

// probePrefix marks heartbeat ping ids. Heartbeat pongs bypass the
// correlation table.
const probePrefix = "hb-"

// Config holds bridge tuning. Zero values fall back to defaults.
type Config struct {
	QueueCeiling           int
	RequestTimeout         time.Duration
	MaxRequestTimeout      time.Duration
	ReadyWait              time.Duration
	HeartbeatInterval      time.Duration
	HeartbeatTimeout       time.Duration
	HeartbeatMissThreshold int
	WaitingGrace           time.Duration
	// HelloTimeout bounds how long a connection may stay registered
	// without becoming the active worker connection.
	HelloTimeout time.Duration
	Features     []string
}

func (c Config) withDefaults() Config {
	if c.QueueCeiling <= 0 {
		c.QueueCeiling = 16
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRequestTimeout <= 0 {
		c.MaxRequestTimeout = 10 * time.Minute
	}
	if c.ReadyWait <= 0 {
		c.ReadyWait = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.HeartbeatMissThreshold <= 0 {
		c.HeartbeatMissThreshold = 1
	}
	if c.WaitingGrace <= 0 {
		c.WaitingGrace = 20 * time.Second
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = 10 * time.Second
	}
	if c.Features == nil {
		c.Features = []string{"jobs", "editor_status"}
	}
	return c
}

// Recorder persists lifecycle events. *eventlog.Writer implements it.
type Recorder interface {
	Record(ctx context.Context, ev eventlog.Event) error
}

// session is per-connection bookkeeping owned by the bridge.
type session struct {
	hb     *HeartbeatMonitor
	stopHB context.CancelFunc
}

// Bridge is the host orchestrator.
type Bridge struct {
	cfg Config
	log *zap.Logger
	rec Recorder

	registry *Registry
	table    *Table
	state    *StateTracker
	sched    *Scheduler

	// mu serializes activation and close transitions so registry and state
	// tracker never disagree about the active connection.
	mu       sync.Mutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	probeSeq  atomic.Uint64
	startOnce sync.Once
	stopOnce  sync.Once
	newID     func() string
}

// New creates a bridge. A nil logger logs nothing; a nil recorder skips the
// event log.
func New(cfg Config, logger *zap.Logger, rec Recorder) *Bridge {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:      cfg,
		log:      logger,
		rec:      rec,
		registry: NewRegistry(),
		table:    NewTable(logger),
		state:    NewStateTracker(cfg.WaitingGrace),
		sched:    NewScheduler(cfg.QueueCeiling),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
		newID:    uuid.NewString,
	}
}

// State exposes the state tracker for status reporting and subscriptions.
func (b *Bridge) State() *StateTracker { return b.state }

// Start moves the bridge to waiting_worker and starts recording lifecycle
// transitions. It is safe to call more than once.
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		if b.rec != nil {
			updates, unsubscribe := b.state.Subscribe()
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer unsubscribe()
				b.recordTransitions(updates)
			}()
		}
		b.state.SetBridgeState(protocol.BridgeWaitingWorker)
		b.log.Info("bridge waiting for worker")
	})
}

func (b *Bridge) recordTransitions(updates <-chan Snapshot) {
	last := b.state.Snapshot().BridgeState
	for {
		select {
		case <-b.ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.BridgeState == last {
				continue
			}
			last = snap.BridgeState
			b.record(eventlog.TypeBridgeState, snap.ConnectionID, snap.WorkerInstanceID,
				map[string]any{"state": snap.BridgeState, "waiting_reason": snap.WaitingReason})
		}
	}
}

// Status is the local view returned without a worker round trip.
type Status struct {
	Snapshot
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Pending     int `json:"pending"`
	Connections int `json:"connections"`
}

// Status reports bridge, worker and queue state.
func (b *Bridge) Status() Status {
	queued, running := b.sched.Stats()
	return Status{
		Snapshot:    b.state.Snapshot(),
		Queued:      queued,
		Running:     running,
		Pending:     b.table.Len(),
		Connections: b.registry.Len(),
	}
}

// ServeConn registers conn and runs its receive loop until the connection
// closes or ctx ends. Frames are handled strictly in receipt order.
func (b *Bridge) ServeConn(ctx context.Context, conn transport.Conn) {
	b.registry.Register(conn)
	b.log.Debug("connection registered", zap.String("conn", conn.ID()))

	handshake := time.AfterFunc(b.cfg.HelloTimeout, func() {
		if b.registry.IsActive(conn) {
			return
		}
		b.log.Warn("no hello within timeout, closing connection",
			zap.String("conn", conn.ID()), zap.Duration("timeout", b.cfg.HelloTimeout))
		_ = conn.Close()
	})
	defer handshake.Stop()

	var reason error
	for {
		data, err := conn.Recv(ctx)
		if err != nil {
			reason = err
			break
		}
		if !b.handleFrame(ctx, conn, data) {
			reason = errors.New("connection rejected")
			break
		}
	}
	b.handleClose(conn, reason)
}

// handleFrame processes one frame and reports whether the connection should
// keep being served.
func (b *Bridge) handleFrame(ctx context.Context, conn transport.Conn, data []byte) bool {
	env, err := protocol.Decode(data)
	if err != nil {
		return b.rejectFrame(conn, env, err)
	}

	if env.Type == protocol.MsgHello {
		return b.handleHello(ctx, conn, env)
	}

	if !b.registry.IsActive(conn) {
		b.log.Warn("message on non-active connection, closing",
			zap.String("conn", conn.ID()), zap.String("type", string(env.Type)))
		b.sendError(conn, env.RequestID, protocol.Errorf(protocol.CodeConnectionRejected, "connection is not the active worker connection"))
		return false
	}

	switch env.Type {
	case protocol.MsgEditorStatus:
		b.handleEditorStatus(conn, env)
	case protocol.MsgPong:
		b.handlePong(conn, env)
	case protocol.MsgPing:
		reply := protocol.New(protocol.MsgPong, env.RequestID)
		reply.Pong = &protocol.PongPayload{}
		if err := conn.Send(ctx, reply); err != nil {
			b.log.Debug("pong send failed", zap.String("conn", conn.ID()), zap.Error(err))
		}
	case protocol.MsgError:
		pe := protocol.FromPayload(env.Error)
		if env.RequestID == "" {
			b.log.Warn("worker reported uncorrelated error", zap.String("conn", conn.ID()), zap.Error(pe))
			return true
		}
		b.table.ResolveError(env.RequestID, pe.Code, pe.Message, pe.Details)
	case protocol.MsgResult, protocol.MsgSubmitJobResult, protocol.MsgJobStatus, protocol.MsgCancelResult:
		b.table.Resolve(env)
	default:
		b.log.Debug("dropping unrecognized envelope",
			zap.String("conn", conn.ID()), zap.String("type", string(env.Type)), zap.String("request_id", env.RequestID))
	}
	return true
}

// rejectFrame answers an undecodable or version-mismatched frame and ends the
// connection.
func (b *Bridge) rejectFrame(conn transport.Conn, env protocol.Envelope, err error) bool {
	pe, ok := protocol.AsError(err)
	if !ok {
		pe = protocol.Errorf(protocol.CodeInvalidResponse, "%v", err)
	}
	if pe.Code == protocol.CodeProtocolMismatch {
		b.log.Warn("protocol version mismatch, closing connection",
			zap.String("conn", conn.ID()), zap.Any("details", pe.Details))
		b.record(eventlog.TypeProtocolMismatch, conn.ID(), "", pe.Details)
	} else {
		b.log.Warn("malformed frame, closing connection", zap.String("conn", conn.ID()), zap.Error(pe))
	}
	b.sendError(conn, env.RequestID, pe)
	return false
}

func (b *Bridge) handleHello(ctx context.Context, conn transport.Conn, env protocol.Envelope) bool {
	hello := env.Hello
	if hello == nil || hello.WorkerInstanceID == "" {
		b.sendError(conn, env.RequestID, protocol.Errorf(protocol.CodeInvalidParams, "hello requires worker_instance_id"))
		return false
	}
	state := hello.State
	if state == "" {
		state = protocol.WorkerUnknown
	}
	if _, err := protocol.ParseWorkerState(string(state)); err != nil {
		b.sendError(conn, env.RequestID, protocol.Errorf(protocol.CodeInvalidParams, "%v", err))
		return false
	}

	b.mu.Lock()
	result, replaced := b.registry.Promote(conn, hello.WorkerInstanceID)
	var oldSession *session
	if result.Promoted() {
		if replaced != nil {
			oldSession = b.sessions[replaced.ID()]
			delete(b.sessions, replaced.ID())
		}
		b.state.OnConnected(state, hello.Seq, conn.ID(), hello.WorkerInstanceID)
	}
	b.mu.Unlock()

	switch result {
	case AlreadyActive:
		// Re-hello on the active connection: no new handshake or heartbeat.
		if b.state.OnWorkerStatus(state, hello.Seq) {
			b.log.Debug("re-hello applied worker state", zap.String("conn", conn.ID()), zap.String("state", string(state)))
		}
		return true
	case UnknownConnection:
		b.log.Warn("hello on unregistered connection", zap.String("conn", conn.ID()))
		return false
	case RejectedActiveExists:
		active := b.registry.ActiveInstance()
		b.log.Warn("rejecting hello from second worker",
			zap.String("conn", conn.ID()), zap.String("worker", hello.WorkerInstanceID), zap.String("active_worker", active))
		b.record(eventlog.TypeHelloRejected, conn.ID(), hello.WorkerInstanceID, map[string]any{"active_worker_instance_id": active})
		b.sendError(conn, env.RequestID, &protocol.Error{
			Code:    protocol.CodeConnectionRejected,
			Message: "another worker instance is already active",
			Details: map[string]any{"active_worker_instance_id": active},
		})
		return false
	}

	if replaced != nil {
		if oldSession != nil {
			oldSession.stopHB()
		}
		b.log.Info("worker reconnected, superseding previous connection",
			zap.String("conn", conn.ID()), zap.String("previous_conn", replaced.ID()), zap.String("worker", hello.WorkerInstanceID))
		go func() { _ = replaced.Close() }()
	}

	b.log.Info("worker connected",
		zap.String("conn", conn.ID()), zap.String("worker", hello.WorkerInstanceID),
		zap.String("worker_version", hello.WorkerVersion), zap.String("state", string(state)))
	b.record(eventlog.TypeWorkerConnected, conn.ID(), hello.WorkerInstanceID,
		map[string]any{"state": state, "seq": hello.Seq, "worker_version": hello.WorkerVersion, "port": hello.Port})

	capability := protocol.New(protocol.MsgCapability, env.RequestID)
	capability.Capability = &protocol.CapabilityPayload{
		HostVersion:         appversion.String(),
		HeartbeatIntervalMS: b.cfg.HeartbeatInterval.Milliseconds(),
		Features:            b.cfg.Features,
	}
	if err := conn.Send(ctx, capability); err != nil {
		b.log.Warn("capability send failed", zap.String("conn", conn.ID()), zap.Error(err))
		return false
	}

	b.startHeartbeat(conn, hello.WorkerInstanceID)
	return true
}

func (b *Bridge) startHeartbeat(conn transport.Conn, workerID string) {
	hbCtx, stop := context.WithCancel(b.ctx)
	hb := NewHeartbeatMonitor(b.cfg.HeartbeatInterval, b.cfg.HeartbeatTimeout, b.cfg.HeartbeatMissThreshold,
		func(ctx context.Context) error {
			ping := protocol.New(protocol.MsgPing, probePrefix+strconv.FormatUint(b.probeSeq.Add(1), 10))
			return conn.Send(ctx, ping)
		}, b.log)

	b.mu.Lock()
	if !b.registry.IsActive(conn) {
		// Closed or superseded before the monitor could start.
		b.mu.Unlock()
		stop()
		return
	}
	b.sessions[conn.ID()] = &session{hb: hb, stopHB: stop}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if hb.Run(hbCtx, conn) {
			b.record(eventlog.TypeHeartbeatTimeout, conn.ID(), workerID,
				map[string]any{"timeout_ms": b.cfg.HeartbeatTimeout.Milliseconds()})
		}
	}()
}

func (b *Bridge) handleEditorStatus(conn transport.Conn, env protocol.Envelope) {
	st := env.EditorStatus
	if st == nil {
		b.log.Debug("editor_status without payload", zap.String("conn", conn.ID()))
		return
	}
	if _, err := protocol.ParseWorkerState(string(st.State)); err != nil {
		b.log.Warn("ignoring editor_status", zap.String("conn", conn.ID()), zap.Error(err))
		return
	}
	if !b.state.OnWorkerStatus(st.State, st.Seq) {
		b.log.Debug("discarding stale editor_status", zap.Uint64("seq", st.Seq), zap.String("state", string(st.State)))
		return
	}
	b.log.Debug("worker status", zap.String("state", string(st.State)), zap.Uint64("seq", st.Seq))
	b.record(eventlog.TypeWorkerStatus, conn.ID(), b.registry.ActiveInstance(),
		map[string]any{"state": st.State, "seq": st.Seq})
}

func (b *Bridge) handlePong(conn transport.Conn, env protocol.Envelope) {
	var state protocol.WorkerState
	var seq *uint64
	if env.Pong != nil {
		state, seq = env.Pong.State, env.Pong.Seq
		if state != "" {
			if _, err := protocol.ParseWorkerState(string(state)); err != nil {
				state, seq = "", nil
			}
		}
	}
	b.state.OnProbeReply(state, seq)

	if strings.HasPrefix(env.RequestID, probePrefix) {
		b.mu.Lock()
		sess := b.sessions[conn.ID()]
		b.mu.Unlock()
		if sess != nil {
			sess.hb.OnReply()
		}
		return
	}
	b.table.Resolve(env)
}

// handleClose runs once per connection. Only the loss of the active
// connection changes state and fails every pending request; an inactive
// connection fails just the requests that were sent on it.
func (b *Bridge) handleClose(conn transport.Conn, reason error) {
	b.mu.Lock()
	wasRegistered, wasActive := b.registry.Remove(conn)
	sess := b.sessions[conn.ID()]
	delete(b.sessions, conn.ID())
	if wasActive {
		b.state.OnDisconnected()
	}
	b.mu.Unlock()

	if sess != nil {
		sess.stopHB()
	}
	_ = conn.Close()

	if !wasRegistered {
		return
	}
	if !wasActive {
		// A superseded connection can still carry requests sent before the
		// new one took over; nothing will answer them now.
		failed := b.table.FailConn(conn.ID(), "worker connection superseded")
		b.log.Debug("inactive connection closed", zap.String("conn", conn.ID()), zap.Int("failed_requests", failed))
		return
	}

	failed := b.table.FailAll("worker connection closed")
	fields := []zap.Field{zap.String("conn", conn.ID()), zap.Int("failed_requests", failed)}
	if reason != nil {
		fields = append(fields, zap.NamedError("reason", reason))
	}
	b.log.Info("worker disconnected", fields...)
	payload := map[string]any{"failed_requests": failed}
	if reason != nil {
		payload["reason"] = reason.Error()
	}
	b.record(eventlog.TypeWorkerDisconnected, conn.ID(), b.state.Snapshot().WorkerInstanceID, payload)
}

// Shutdown stops the bridge: it refuses new work, fails pending requests,
// closes every connection and waits for background goroutines or ctx.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.state.SetBridgeState(protocol.BridgeStopping)
		b.log.Info("bridge stopping")

		b.mu.Lock()
		conns := b.registry.DrainAll()
		for id, sess := range b.sessions {
			sess.stopHB()
			delete(b.sessions, id)
		}
		b.state.OnDisconnected()
		b.mu.Unlock()

		b.table.FailAll("bridge shutting down")
		for _, c := range conns {
			_ = c.Close()
		}
		b.cancel()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("wait for bridge goroutines: %w", ctx.Err())
		}
		b.state.SetBridgeState(protocol.BridgeStopped)
		b.log.Info("bridge stopped")
	})
	return err
}

func (b *Bridge) sendError(conn transport.Conn, requestID string, pe *protocol.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Send(ctx, protocol.ErrorEnvelope(requestID, pe)); err != nil {
		b.log.Debug("error reply not delivered", zap.String("conn", conn.ID()), zap.Error(err))
	}
}

// record writes an event if a recorder is configured. Failures are logged
// and never reach callers.
func (b *Bridge) record(typ, connID, workerID string, payload any) {
	if b.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := eventlog.Event{
		Type:     typ,
		Source:   "host",
		ConnID:   connID,
		WorkerID: workerID,
		Payload:  eventlog.Payload(payload),
	}
	if err := b.rec.Record(ctx, ev); err != nil {
		b.log.Warn("event log write failed", zap.String("type", typ), zap.Error(err))
	}
}
