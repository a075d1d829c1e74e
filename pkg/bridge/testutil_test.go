package bridge //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"edbridge/pkg/eventlog"
	"edbridge/pkg/protocol"
	"edbridge/pkg/transport"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// testConfig keeps heartbeats out of the way unless a test asks for them.
func testConfig() Config {
	return Config{
		QueueCeiling:      4,
		RequestTimeout:    2 * time.Second,
		ReadyWait:         300 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		WaitingGrace:      time.Second,
	}
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	b := New(cfg, nil, rec)
	b.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b, rec
}

// memRecorder keeps recorded events in memory.
type memRecorder struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (m *memRecorder) Record(_ context.Context, ev eventlog.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memRecorder) count(typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// hookConn lets a test fail sends of selected envelope types.
type hookConn struct {
	transport.Conn
	failSend func(env protocol.Envelope) error
}

func (h *hookConn) Send(ctx context.Context, env protocol.Envelope) error {
	if h.failSend != nil {
		if err := h.failSend(env); err != nil {
			return err
		}
	}
	return h.Conn.Send(ctx, env)
}

// fakeWorker is the worker end of a piped connection. Every frame the host
// sends is decoded onto in so host writes never block on the pipe.
type fakeWorker struct {
	t        *testing.T
	fatalf   func(format string, args ...any)
	conn     *transport.LineConn
	hostConn transport.Conn
	in       chan protocol.Envelope
	closed   chan struct{}
}

func pipeWorker(t *testing.T, b *Bridge, wrap func(transport.Conn) transport.Conn) *fakeWorker {
	t.Helper()
	hostSide, workerSide := net.Pipe()
	var host transport.Conn = transport.NewLineConn(hostSide)
	if wrap != nil {
		host = wrap(host)
	}
	w := &fakeWorker{
		t:        t,
		fatalf:   t.Fatalf,
		conn:     transport.NewLineConn(workerSide),
		hostConn: host,
		in:       make(chan protocol.Envelope, 64),
		closed:   make(chan struct{}),
	}
	go b.ServeConn(context.Background(), host)
	go w.readLoop()
	t.Cleanup(func() { _ = w.conn.Close() })
	return w
}

// background returns a view of w for use off the test goroutine: failures
// are reported and end only the calling goroutine.
func (w *fakeWorker) background() *fakeWorker {
	bg := *w
	bg.fatalf = func(format string, args ...any) {
		w.t.Errorf(format, args...)
		runtime.Goexit()
	}
	return &bg
}

func (w *fakeWorker) readLoop() {
	defer close(w.closed)
	for {
		data, err := w.conn.Recv(context.Background())
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		w.in <- env
	}
}

// connectWorker pipes a worker, says hello and waits for the capability.
func connectWorker(t *testing.T, b *Bridge, instanceID string, state protocol.WorkerState) *fakeWorker {
	t.Helper()
	w := pipeWorker(t, b, nil)
	w.hello(instanceID, state, 1)
	capability := w.expect(protocol.MsgCapability)
	if capability.Capability == nil {
		t.Fatal("capability without payload")
	}
	return w
}

func (w *fakeWorker) hello(instanceID string, state protocol.WorkerState, seq uint64) {
	w.t.Helper()
	env := protocol.New(protocol.MsgHello, "")
	env.Hello = &protocol.HelloPayload{WorkerInstanceID: instanceID, WorkerVersion: "test", State: state, Seq: seq}
	w.send(env)
}

func (w *fakeWorker) send(env protocol.Envelope) {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.conn.Send(ctx, env); err != nil {
		w.fatalf("worker send %s: %v", env.Type, err)
	}
}

func (w *fakeWorker) status(state protocol.WorkerState, seq uint64) {
	w.t.Helper()
	env := protocol.New(protocol.MsgEditorStatus, "")
	env.EditorStatus = &protocol.StatusPayload{State: state, Seq: seq}
	w.send(env)
}

// expect returns the next frame from the host and fails unless it has type t.
func (w *fakeWorker) expect(typ protocol.MessageType) protocol.Envelope {
	w.t.Helper()
	select {
	case env := <-w.in:
		if env.Type != typ {
			w.fatalf("worker got %s, want %s", env.Type, typ)
		}
		return env
	case <-time.After(2 * time.Second):
		w.fatalf("worker: no %s frame within 2s", typ)
		return protocol.Envelope{}
	}
}

// waitClosed fails unless the host closes the connection.
func (w *fakeWorker) waitClosed() {
	w.t.Helper()
	select {
	case <-w.closed:
	case <-time.After(2 * time.Second):
		w.fatalf("host did not close the worker connection")
	}
}

// reply answers req with an ok result carrying body.
func (w *fakeWorker) replyOK(req protocol.Envelope, body string) {
	w.t.Helper()
	env := protocol.New(protocol.MsgResult, req.RequestID)
	env.Result = &protocol.ResultPayload{Status: protocol.StatusOK, Result: []byte(body)}
	w.send(env)
}

var errInjected = errors.New("injected send failure")

func waitReady(t *testing.T, b *Bridge) {
	t.Helper()
	waitFor(t, func() bool {
		s := b.state.Snapshot()
		return s.Connected && s.WorkerState == protocol.WorkerReady && s.BridgeState == protocol.BridgeReady
	}, 2*time.Second)
}
