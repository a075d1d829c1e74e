package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"edbridge/pkg/transport"
)

// MissState counts consecutive missed heartbeats against a threshold. It is
// owned by a single monitor goroutine and is not safe for concurrent use.
type MissState struct {
	threshold int
	misses    int
}

// NewMissState creates a counter that trips after threshold consecutive
// misses. Thresholds below 1 are raised to 1.
func NewMissState(threshold int) *MissState {
	if threshold < 1 {
		threshold = 1
	}
	return &MissState{threshold: threshold}
}

// Miss records a missed probe and reports whether the threshold is reached.
func (m *MissState) Miss() bool {
	m.misses++
	return m.misses >= m.threshold
}

// Reset clears the counter after a successful reply.
func (m *MissState) Reset() { m.misses = 0 }

// Misses returns the current consecutive miss count.
func (m *MissState) Misses() int { return m.misses }

// HeartbeatMonitor probes one connection at a fixed interval and closes it
// once replies stop arriving.
type HeartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration
	misses   *MissState
	probe    func(ctx context.Context) error
	log      *zap.Logger

	mu        sync.Mutex
	lastReply time.Time
	replied   chan struct{}
	nowFunc   func() time.Time
}

// NewHeartbeatMonitor creates a monitor that calls probe every interval and
// waits up to timeout for OnReply.
func NewHeartbeatMonitor(interval, timeout time.Duration, threshold int, probe func(ctx context.Context) error, logger *zap.Logger) *HeartbeatMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeartbeatMonitor{
		interval: interval,
		timeout:  timeout,
		misses:   NewMissState(threshold),
		probe:    probe,
		log:      logger,
		replied:  make(chan struct{}, 1),
		nowFunc:  time.Now,
	}
}

// OnReply records a probe reply.
func (h *HeartbeatMonitor) OnReply() {
	h.mu.Lock()
	h.lastReply = h.nowFunc()
	h.mu.Unlock()
	select {
	case h.replied <- struct{}{}:
	default:
	}
}

// LastReply returns when the last reply arrived.
func (h *HeartbeatMonitor) LastReply() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReply
}

func (h *HeartbeatMonitor) repliedSince(t time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.lastReply.Before(t)
}

// Run probes conn until ctx ends or conn closes. It closes conn when the miss
// threshold is reached and returns true in that case.
func (h *HeartbeatMonitor) Run(ctx context.Context, conn transport.Conn) bool {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-conn.Done():
			return false
		case <-ticker.C:
		}

		// Drop a reply signal left over from an earlier probe.
		select {
		case <-h.replied:
		default:
		}

		sentAt := h.nowFunc()
		if err := h.probe(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}
			h.log.Warn("heartbeat probe failed, closing connection", zap.String("conn", conn.ID()), zap.Error(err))
			_ = conn.Close()
			return true
		}

		if h.awaitReply(ctx, conn, sentAt) {
			h.misses.Reset()
			continue
		}
		if ctx.Err() != nil || !transport.IsOpen(conn) {
			return false
		}
		if h.misses.Miss() {
			h.log.Warn("heartbeat timed out, closing connection",
				zap.String("conn", conn.ID()), zap.Int("misses", h.misses.Misses()), zap.Duration("timeout", h.timeout))
			_ = conn.Close()
			return true
		}
		h.log.Debug("heartbeat missed", zap.String("conn", conn.ID()), zap.Int("misses", h.misses.Misses()))
	}
}

// awaitReply waits for a reply newer than sentAt, for at most h.timeout.
func (h *HeartbeatMonitor) awaitReply(ctx context.Context, conn transport.Conn, sentAt time.Time) bool {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	for {
		select {
		case <-h.replied:
			if h.repliedSince(sentAt) {
				return true
			}
		case <-timer.C:
			return h.repliedSince(sentAt)
		case <-ctx.Done():
			return false
		case <-conn.Done():
			return false
		}
	}
}
