// Package jobs runs long-running worker jobs one at a time and keeps their
// state for polling. Terminal jobs are pruned after a retention window or
// once too many have accumulated.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edbridge/pkg/protocol"
)

// Config holds executor tuning. Zero values fall back to defaults.
type Config struct {
	// Retention is how long a terminal job stays pollable.
	Retention time.Duration
	// MaxRetained caps the number of terminal jobs kept.
	MaxRetained int
	// DefaultTimeout bounds a job that did not ask for its own timeout.
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.MaxRetained <= 0 {
		c.MaxRetained = 64
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Minute
	}
	return c
}

// Spec describes a job to run.
type Spec struct {
	Kind    string
	Mode    string
	Filter  string
	Timeout time.Duration
}

// Snapshot is an immutable copy of a job's state.
type Snapshot struct {
	ID        string
	Spec      Spec
	State     protocol.JobState
	Result    json.RawMessage
	UpdatedAt time.Time
}

type job struct {
	id              string
	spec            Spec
	state           protocol.JobState
	result          json.RawMessage
	updatedAt       time.Time
	cancel          context.CancelFunc
	cancelRequested bool
}

func (j *job) snapshot() Snapshot {
	return Snapshot{
		ID:        j.id,
		Spec:      j.spec,
		State:     j.state,
		Result:    append(json.RawMessage(nil), j.result...),
		UpdatedAt: j.updatedAt,
	}
}

// Executor owns the job table and runs jobs through a single slot.
type Executor struct {
	cfg    Config
	runner Runner
	log    *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job

	gate chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nowFunc func() time.Time
	newID   func() string
}

// NewExecutor creates an executor running jobs on runner.
func NewExecutor(runner Runner, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:     cfg.withDefaults(),
		runner:  runner,
		log:     logger,
		jobs:    make(map[string]*job),
		gate:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
}

// Submit creates a queued job and starts it asynchronously.
func (e *Executor) Submit(spec Spec) (Snapshot, error) {
	if spec.Kind == "" {
		spec.Kind = protocol.JobKindRunTests
	}
	if spec.Kind != protocol.JobKindRunTests {
		return Snapshot{}, protocol.Errorf(protocol.CodeInvalidParams, "unsupported job kind %q", spec.Kind)
	}
	if spec.Mode == "" {
		spec.Mode = protocol.ModeEdit
	}
	if err := protocol.ValidateMode(spec.Mode); err != nil {
		return Snapshot{}, err
	}
	if spec.Timeout <= 0 {
		spec.Timeout = e.cfg.DefaultTimeout
	}
	if e.ctx.Err() != nil {
		return Snapshot{}, protocol.Errorf(protocol.CodeWorkerNotReady, "job executor is closed")
	}

	e.mu.Lock()
	j := &job{id: e.newID(), spec: spec, state: protocol.JobQueued, updatedAt: e.nowFunc()}
	e.jobs[j.id] = j
	e.pruneLocked()
	snap := j.snapshot()
	e.mu.Unlock()

	e.log.Info("job queued", zap.String("job", j.id), zap.String("mode", spec.Mode), zap.String("filter", spec.Filter))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(j)
	}()
	return snap, nil
}

// Status returns the job's current snapshot.
func (e *Executor) Status(id string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked()
	j, ok := e.jobs[id]
	if !ok {
		return Snapshot{}, &protocol.Error{
			Code:    protocol.CodeJobNotFound,
			Message: "job not found",
			Details: map[string]any{"job_id": id},
		}
	}
	return j.snapshot(), nil
}

// Cancel cancels a queued job immediately, requests cooperative cancellation
// of a running one and rejects a terminal one.
func (e *Executor) Cancel(id string) (protocol.CancelStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return "", &protocol.Error{
			Code:    protocol.CodeJobNotFound,
			Message: "job not found",
			Details: map[string]any{"job_id": id},
		}
	}
	switch j.state {
	case protocol.JobQueued:
		e.finishLocked(j, protocol.JobCancelled, Summary{Modes: []string{}, FailedTests: []FailedTest{}, Error: "cancelled before start"})
		return protocol.CancelCancelled, nil
	case protocol.JobRunning:
		j.cancelRequested = true
		if j.cancel != nil {
			j.cancel()
		}
		return protocol.CancelRequested, nil
	default:
		return protocol.CancelRejected, nil
	}
}

// Close cancels running work and waits for job goroutines to finish.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Executor) run(j *job) {
	select {
	case e.gate <- struct{}{}:
	case <-e.ctx.Done():
		e.mu.Lock()
		if j.state == protocol.JobQueued {
			e.finishLocked(j, protocol.JobCancelled, Summary{Modes: []string{}, FailedTests: []FailedTest{}, Error: "executor closed"})
		}
		e.mu.Unlock()
		return
	}
	defer func() { <-e.gate }()

	e.mu.Lock()
	if j.state != protocol.JobQueued {
		// Cancelled while waiting for the slot.
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, j.spec.Timeout)
	defer cancel()
	j.cancel = cancel
	j.state = protocol.JobRunning
	j.updatedAt = e.nowFunc()
	spec := j.spec
	e.mu.Unlock()

	e.log.Info("job running", zap.String("job", j.id))
	summary, err := e.execute(ctx, spec)

	e.mu.Lock()
	defer e.mu.Unlock()
	state := classify(ctx, summary, err, j.cancelRequested)
	if err != nil && summary.Error == "" {
		summary.Error = err.Error()
	}
	e.finishLocked(j, state, summary)
	e.log.Info("job finished", zap.String("job", j.id), zap.String("state", string(state)),
		zap.Int("passed", summary.Passed), zap.Int("failed", summary.Failed))
}

// execute runs the job's work, turning a panic into an error.
func (e *Executor) execute(ctx context.Context, spec Spec) (summary Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			summary = Summary{Modes: []string{spec.Mode}}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return RunMode(ctx, e.runner, spec.Mode, spec.Filter)
}

func classify(ctx context.Context, summary Summary, err error, cancelRequested bool) protocol.JobState {
	switch {
	case err == nil && summary.OK():
		return protocol.JobSucceeded
	case err == nil:
		return protocol.JobFailed
	case errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return protocol.JobTimeout
	case errors.Is(err, context.Canceled) && (cancelRequested || ctx.Err() != nil):
		return protocol.JobCancelled
	default:
		return protocol.JobFailed
	}
}

// finishLocked moves j to a terminal state once. Caller must hold e.mu.
func (e *Executor) finishLocked(j *job, state protocol.JobState, summary Summary) {
	if j.state.Terminal() {
		return
	}
	if summary.Modes == nil {
		summary.Modes = []string{}
	}
	if summary.FailedTests == nil {
		summary.FailedTests = []FailedTest{}
	}
	data, err := json.Marshal(summary)
	if err != nil {
		data = []byte(`{}`)
	}
	j.state = state
	j.result = data
	j.updatedAt = e.nowFunc()
	j.cancel = nil
}

// pruneLocked drops terminal jobs past retention, then evicts the oldest
// terminal jobs beyond the retained-count ceiling. Caller must hold e.mu.
func (e *Executor) pruneLocked() {
	cutoff := e.nowFunc().Add(-e.cfg.Retention)
	var terminal []*job
	for id, j := range e.jobs {
		if !j.state.Terminal() {
			continue
		}
		if j.updatedAt.Before(cutoff) {
			delete(e.jobs, id)
			continue
		}
		terminal = append(terminal, j)
	}
	excess := len(terminal) - e.cfg.MaxRetained
	if excess <= 0 {
		return
	}
	sort.Slice(terminal, func(a, b int) bool { return terminal[a].updatedAt.Before(terminal[b].updatedAt) })
	for _, j := range terminal[:excess] {
		delete(e.jobs, j.id)
	}
}

// Len returns the number of jobs currently tracked.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}
