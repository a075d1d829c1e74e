package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"edbridge/pkg/protocol"
)

// outcome is what a pending request resolves to.
type outcome struct {
	env protocol.Envelope
	err error
}

// Pending is a registered outbound request awaiting its response.
type Pending struct {
	id       string
	connID   string
	expected protocol.MessageType
	done     chan outcome
	timer    *time.Timer
	table    *Table
}

// ID returns the request id.
func (p *Pending) ID() string { return p.id }

// Wait blocks until the request resolves or ctx ends. On cancellation the
// entry is removed from the table; if a resolution won the race it is
// returned instead of the cancellation.
func (p *Pending) Wait(ctx context.Context) (protocol.Envelope, error) {
	select {
	case o := <-p.done:
		return o.env, o.err
	case <-ctx.Done():
		if p.table.take(p) {
			return protocol.Envelope{}, protocol.Errorf(protocol.CodeRequestCancelled, "request %s cancelled: %v", p.id, ctx.Err())
		}
		o := <-p.done
		return o.env, o.err
	}
}

// Table correlates outbound request ids with pending completions. Every entry
// is resolved exactly once: by its response, an error reply, its timeout, a
// disconnect or its waiter giving up, whichever comes first.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Pending
	log     *zap.Logger
}

// NewTable creates an empty correlation table.
func NewTable(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{entries: make(map[string]*Pending), log: logger}
}

// Register adds a pending entry for id, sent on connection connID, that
// expects a response of kind expected within timeout.
func (t *Table) Register(id, connID string, expected protocol.MessageType, timeout time.Duration) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return nil, protocol.Errorf(protocol.CodeDuplicateRequestID, "request id %s already pending", id)
	}
	p := &Pending{
		id:       id,
		connID:   connID,
		expected: expected,
		done:     make(chan outcome, 1),
		table:    t,
	}
	t.entries[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if t.take(p) {
			p.done <- outcome{err: &protocol.Error{
				Code:    protocol.CodeRequestTimeout,
				Message: "no response from worker within " + timeout.String(),
				Details: map[string]any{"request_id": id, "timeout_ms": timeout.Milliseconds()},
			}}
		}
	})
	return p, nil
}

// take removes p if it is still the entry registered under its id. Only the
// caller that gets true may complete p.
func (t *Table) take(p *Pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.entries[p.id]
	if !ok || cur != p {
		return false
	}
	delete(t.entries, p.id)
	p.timer.Stop()
	return true
}

func (t *Table) lookup(id string) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id]
}

// Resolve completes the entry for env.RequestID. A response of the wrong kind
// resolves it as invalid_response. Unknown ids are logged and dropped: the
// waiter may already have timed out.
func (t *Table) Resolve(env protocol.Envelope) bool {
	p := t.lookup(env.RequestID)
	if p == nil || !t.take(p) {
		t.log.Debug("dropping response for unknown request",
			zap.String("request_id", env.RequestID), zap.String("type", string(env.Type)))
		return false
	}
	if env.Type != p.expected {
		p.done <- outcome{err: &protocol.Error{
			Code:    protocol.CodeInvalidResponse,
			Message: "unexpected response type " + string(env.Type),
			Details: map[string]any{"expected": string(p.expected), "received": string(env.Type)},
		}}
		return true
	}
	p.done <- outcome{env: env}
	return true
}

// ResolveError completes the entry for id as a failure regardless of the
// expected kind.
func (t *Table) ResolveError(id string, code protocol.Code, message string, details map[string]any) bool {
	p := t.lookup(id)
	if p == nil || !t.take(p) {
		t.log.Debug("dropping error for unknown request", zap.String("request_id", id), zap.String("code", string(code)))
		return false
	}
	p.done <- outcome{err: &protocol.Error{Code: code, Message: message, Details: details}}
	return true
}

// Remove drops the entry for id without completing it. It is a no-op when
// the entry already resolved.
func (t *Table) Remove(id string) {
	if p := t.lookup(id); p != nil {
		t.take(p)
	}
}

// FailAll resolves every pending entry as worker_disconnected and returns how
// many were failed.
func (t *Table) FailAll(reason string) int {
	return t.failWhere(reason, func(*Pending) bool { return true })
}

// FailConn resolves the entries sent on connection connID as
// worker_disconnected and returns how many were failed.
func (t *Table) FailConn(connID, reason string) int {
	return t.failWhere(reason, func(p *Pending) bool { return p.connID == connID })
}

func (t *Table) failWhere(reason string, match func(*Pending) bool) int {
	t.mu.Lock()
	var victims []*Pending
	for id, p := range t.entries {
		if !match(p) {
			continue
		}
		delete(t.entries, id)
		p.timer.Stop()
		victims = append(victims, p)
	}
	t.mu.Unlock()

	for _, p := range victims {
		p.done <- outcome{err: &protocol.Error{
			Code:    protocol.CodeWorkerDisconnected,
			Message: reason,
			Details: map[string]any{"request_id": p.id, "conn_id": p.connID},
		}}
	}
	return len(victims)
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
