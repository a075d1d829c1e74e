package bridge //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"net"
	"testing"

	"edbridge/pkg/transport"
)

func newPipeConn(t *testing.T) transport.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = b.Close() })
	c := transport.NewLineConn(a)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRegistry_PromoteRules(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := newPipeConn(t)
	second := newPipeConn(t)
	same := newPipeConn(t)
	unknown := newPipeConn(t)

	r.Register(first)
	r.Register(second)
	r.Register(same)

	if res, _ := r.Promote(unknown, "w1"); res != UnknownConnection {
		t.Fatalf("unregistered promote = %s, want %s", res, UnknownConnection)
	}
	if res, _ := r.Promote(first, "w1"); res != Activated {
		t.Fatalf("first promote = %s, want %s", res, Activated)
	}
	if res, _ := r.Promote(first, "w1"); res != AlreadyActive {
		t.Fatalf("re-hello = %s, want %s", res, AlreadyActive)
	}
	if res, _ := r.Promote(second, "w2"); res != RejectedActiveExists {
		t.Fatalf("second worker = %s, want %s", res, RejectedActiveExists)
	}
	if !r.IsActive(first) || r.IsActive(second) {
		t.Fatal("rejected promotion must not change the active connection")
	}

	res, old := r.Promote(same, "w1")
	if res != ReplacedSameWorker {
		t.Fatalf("same worker = %s, want %s", res, ReplacedSameWorker)
	}
	if old == nil || old.ID() != first.ID() {
		t.Fatalf("replaced conn = %v, want first", old)
	}
	if !r.IsActive(same) || r.ActiveInstance() != "w1" {
		t.Fatal("same-worker reconnect must become active")
	}
}

func TestRegistry_ClosedActiveIsReplaceable(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := newPipeConn(t)
	second := newPipeConn(t)
	r.Register(first)
	r.Register(second)

	if res, _ := r.Promote(first, "w1"); res != Activated {
		t.Fatalf("promote = %s", res)
	}
	_ = first.Close()

	if r.Active() != nil {
		t.Fatal("Active() must not return a closed connection")
	}
	if res, old := r.Promote(second, "w2"); res != Activated || old != nil {
		t.Fatalf("promote over closed active = %s (%v), want %s", res, old, Activated)
	}
}

func TestRegistry_RemoveOnceAndDrain(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := newPipeConn(t)
	b := newPipeConn(t)
	r.Register(a)
	r.Register(b)
	r.Promote(a, "w1")

	if reg, active := r.Remove(a); !reg || !active {
		t.Fatalf("first Remove = (%v, %v), want (true, true)", reg, active)
	}
	if reg, active := r.Remove(a); reg || active {
		t.Fatalf("second Remove = (%v, %v), want (false, false)", reg, active)
	}
	if r.Active() != nil {
		t.Fatal("active slot must be cleared")
	}

	drained := r.DrainAll()
	if len(drained) != 1 || drained[0].ID() != b.ID() {
		t.Fatalf("DrainAll = %v", drained)
	}
	if r.Len() != 0 {
		t.Fatalf("Len after drain = %d", r.Len())
	}
}
