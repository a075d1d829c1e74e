package bridge

import (
	"context"
	"sync"
	"time"

	"edbridge/pkg/protocol"
)

// Snapshot is a consistent view of bridge and worker state.
type Snapshot struct {
	BridgeState      protocol.BridgeState   `json:"bridge_state"`
	WorkerState      protocol.WorkerState   `json:"worker_state"`
	Connected        bool                   `json:"connected"`
	Seq              uint64                 `json:"seq"`
	WaitingReason    protocol.WaitingReason `json:"waiting_reason"`
	LastProbeReplyAt time.Time              `json:"last_probe_reply_at,omitzero"`
	ConnectionID     string                 `json:"connection_id,omitempty"`
	WorkerInstanceID string                 `json:"worker_instance_id,omitempty"`
}

// StateTracker owns bridge lifecycle, worker lifecycle and the waiting reason.
// Every mutation that changes something wakes all waiters.
type StateTracker struct {
	mu sync.Mutex

	bridge     protocol.BridgeState
	worker     protocol.WorkerState
	connected  bool
	seq        uint64
	lastProbe  time.Time
	connID     string
	instanceID string

	// grace baseline frozen at disconnect
	lastSeenState  protocol.WorkerState
	disconnectedAt time.Time

	grace   time.Duration
	changed chan struct{}
	subs    map[int]chan Snapshot
	nextSub int
	nowFunc func() time.Time
}

// NewStateTracker creates a tracker in the booting state. grace bounds how
// long a compile or reload seen just before a disconnect keeps being reported
// as the waiting reason.
func NewStateTracker(grace time.Duration) *StateTracker {
	return &StateTracker{
		bridge:  protocol.BridgeBooting,
		worker:  protocol.WorkerUnknown,
		grace:   grace,
		changed: make(chan struct{}),
		subs:    make(map[int]chan Snapshot),
		nowFunc: time.Now,
	}
}

// notifyLocked wakes every waiter and pushes the new snapshot to
// subscribers. Caller must hold s.mu.
func (s *StateTracker) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		// Keep only the latest snapshot for slow subscribers.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Subscribe returns a channel that receives the latest snapshot after each
// change, and a function that unsubscribes and closes the channel. Slow
// subscribers see only the most recent snapshot.
func (s *StateTracker) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// Changed returns a channel closed on the next state change. Callers re-read
// it after each wakeup.
func (s *StateTracker) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Snapshot returns the current state.
func (s *StateTracker) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *StateTracker) snapshotLocked() Snapshot {
	return Snapshot{
		BridgeState:      s.bridge,
		WorkerState:      s.worker,
		Connected:        s.connected,
		Seq:              s.seq,
		WaitingReason:    s.waitingReasonLocked(s.nowFunc()),
		LastProbeReplyAt: s.lastProbe,
		ConnectionID:     s.connID,
		WorkerInstanceID: s.instanceID,
	}
}

func (s *StateTracker) waitingReasonLocked(now time.Time) protocol.WaitingReason {
	if s.connected {
		return reasonFor(s.worker, protocol.WaitingNone)
	}
	if !s.disconnectedAt.IsZero() && now.Sub(s.disconnectedAt) <= s.grace {
		return reasonFor(s.lastSeenState, protocol.WaitingReconnecting)
	}
	return protocol.WaitingReconnecting
}

func reasonFor(state protocol.WorkerState, fallback protocol.WaitingReason) protocol.WaitingReason {
	switch state {
	case protocol.WorkerCompiling:
		return protocol.WaitingCompiling
	case protocol.WorkerReloading:
		return protocol.WaitingReloading
	default:
		return fallback
	}
}

// SetBridgeState moves the bridge lifecycle. Once stopping, only stopped is
// accepted.
func (s *StateTracker) SetBridgeState(st protocol.BridgeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBridgeLocked(st)
}

func (s *StateTracker) setBridgeLocked(st protocol.BridgeState) {
	if s.bridge == st {
		return
	}
	if (s.bridge == protocol.BridgeStopping && st != protocol.BridgeStopped) || s.bridge == protocol.BridgeStopped {
		return
	}
	s.bridge = st
	s.notifyLocked()
}

// OnConnected records a newly activated worker connection. The hello's
// sequence number becomes the new baseline since a restarted worker may
// restart its counter.
func (s *StateTracker) OnConnected(state protocol.WorkerState, seq uint64, connID, instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.worker = state
	s.seq = seq
	s.connID = connID
	s.instanceID = instanceID
	s.disconnectedAt = time.Time{}
	s.setBridgeLocked(protocol.BridgeReady)
	s.notifyLocked()
}

// OnDisconnected records loss of the active connection and freezes the grace
// baseline from the last live worker state.
func (s *StateTracker) OnDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.lastSeenState = s.worker
	s.disconnectedAt = s.nowFunc()
	s.connected = false
	s.worker = protocol.WorkerUnknown
	s.connID = ""
	s.setBridgeLocked(protocol.BridgeWaitingWorker)
	s.notifyLocked()
}

// OnWorkerStatus applies a status update if seq is newer than the last one
// applied. It reports whether the update was applied.
func (s *StateTracker) OnWorkerStatus(state protocol.WorkerState, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(state, seq)
}

func (s *StateTracker) applyLocked(state protocol.WorkerState, seq uint64) bool {
	if !s.connected || seq <= s.seq {
		return false
	}
	s.seq = seq
	s.worker = state
	s.notifyLocked()
	return true
}

// OnProbeReply records a heartbeat reply. State is only applied when the reply
// also carries a sequence number, under the same monotonic rule.
func (s *StateTracker) OnProbeReply(state protocol.WorkerState, seq *uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProbe = s.nowFunc()
	if state == "" || seq == nil {
		return false
	}
	return s.applyLocked(state, *seq)
}

// WaitUntilWorkerReady blocks until a worker is connected and ready, timeout
// elapses, ctx ends, or the bridge starts stopping.
func (s *StateTracker) WaitUntilWorkerReady(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		ready := s.connected && s.worker == protocol.WorkerReady && s.bridge == protocol.BridgeReady
		stopping := s.bridge == protocol.BridgeStopping || s.bridge == protocol.BridgeStopped
		ch := s.changed
		s.mu.Unlock()

		if ready {
			return true
		}
		if stopping {
			return false
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
