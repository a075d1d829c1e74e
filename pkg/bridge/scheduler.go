package bridge

import (
	"context"
	"sync"

	"edbridge/pkg/protocol"
)

// Scheduler admits bridge operations in FIFO order and runs one at a time.
// Admission fails fast once queued+running would exceed the ceiling.
type Scheduler struct {
	mu      sync.Mutex
	ceiling int
	queued  int
	running int
	gate    chan struct{}
}

// NewScheduler creates a scheduler admitting at most ceiling operations.
func NewScheduler(ceiling int) *Scheduler {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Scheduler{ceiling: ceiling, gate: make(chan struct{}, 1)}
}

// Do runs fn once admitted and the single execution slot is free. A caller
// cancelled while waiting for the slot leaves the queue without running fn.
func (s *Scheduler) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.queued+s.running >= s.ceiling {
		queued, running := s.queued, s.running
		s.mu.Unlock()
		return &protocol.Error{
			Code:    protocol.CodeQueueFull,
			Message: "bridge request queue is full",
			Details: map[string]any{"queued": queued, "running": running, "ceiling": s.ceiling},
		}
	}
	s.queued++
	s.mu.Unlock()

	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		s.mu.Lock()
		s.queued--
		s.mu.Unlock()
		return protocol.Errorf(protocol.CodeRequestCancelled, "cancelled while queued: %v", ctx.Err())
	}

	s.mu.Lock()
	s.queued--
	s.running++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
		<-s.gate
	}()
	return fn(ctx)
}

// Stats returns the current queued and running counts.
func (s *Scheduler) Stats() (queued, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued, s.running
}

// Ceiling returns the admission ceiling.
func (s *Scheduler) Ceiling() int { return s.ceiling }
