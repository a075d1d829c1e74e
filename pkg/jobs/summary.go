package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"edbridge/pkg/protocol"
)

// FailedTest names one failing test and why it failed.
type FailedTest struct {
	Name    string `json:"name"`
	Suite   string `json:"suite,omitempty"`
	Message string `json:"message,omitempty"`
}

// Summary aggregates one or more test suite runs.
type Summary struct {
	Modes       []string     `json:"modes"`
	Total       int          `json:"total"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	DurationMS  int64        `json:"duration_ms"`
	FailedTests []FailedTest `json:"failed_tests"`
	Error       string       `json:"error,omitempty"`
}

// Merge returns the aggregate of s and o. Counts add up and failure lists are
// concatenated in run order.
func (s Summary) Merge(o Summary) Summary {
	out := Summary{
		Modes:      append(append([]string{}, s.Modes...), o.Modes...),
		Total:      s.Total + o.Total,
		Passed:     s.Passed + o.Passed,
		Failed:     s.Failed + o.Failed,
		Skipped:    s.Skipped + o.Skipped,
		DurationMS: s.DurationMS + o.DurationMS,
	}
	out.FailedTests = make([]FailedTest, 0, len(s.FailedTests)+len(o.FailedTests))
	out.FailedTests = append(out.FailedTests, s.FailedTests...)
	out.FailedTests = append(out.FailedTests, o.FailedTests...)
	switch {
	case s.Error != "" && o.Error != "":
		out.Error = s.Error + "; " + o.Error
	case s.Error != "":
		out.Error = s.Error
	default:
		out.Error = o.Error
	}
	return out
}

// OK reports whether every test passed.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.Error == ""
}

// Runner executes one test suite. Implementations must return promptly with
// ctx.Err() once ctx is cancelled.
type Runner interface {
	RunSuite(ctx context.Context, mode, filter string) (Summary, error)
}

// RunMode runs mode on r. Mode "all" runs edit then play and merges the two;
// a cancellation between the runs stops before the second one.
func RunMode(ctx context.Context, r Runner, mode, filter string) (Summary, error) {
	if mode != protocol.ModeAll {
		return r.RunSuite(ctx, mode, filter)
	}
	edit, err := r.RunSuite(ctx, protocol.ModeEdit, filter)
	if err != nil {
		return edit, err
	}
	if err := ctx.Err(); err != nil {
		return edit, err
	}
	play, err := r.RunSuite(ctx, protocol.ModePlay, filter)
	if err != nil {
		return edit.Merge(play), err
	}
	return edit.Merge(play), nil
}

// StaticRunner returns canned summaries per mode after an optional delay. It
// backs the demo worker and tests.
type StaticRunner struct {
	Results map[string]Summary
	Errors  map[string]error
	Delay   time.Duration

	mu    sync.Mutex
	calls []string
}

// RunSuite implements Runner.
func (r *StaticRunner) RunSuite(ctx context.Context, mode, filter string) (Summary, error) {
	r.mu.Lock()
	r.calls = append(r.calls, mode)
	r.mu.Unlock()

	if r.Delay > 0 {
		timer := time.NewTimer(r.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Summary{}, ctx.Err()
		}
	}
	if err := r.Errors[mode]; err != nil {
		return Summary{}, err
	}
	s, ok := r.Results[mode]
	if !ok {
		return Summary{}, fmt.Errorf("no %s suite configured", mode)
	}
	if filter != "" {
		s = filterSummary(s, filter)
	}
	if len(s.Modes) == 0 {
		s.Modes = []string{mode}
	}
	return s, nil
}

// Calls returns the modes run so far, in order.
func (r *StaticRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// filterSummary keeps only failures whose name contains filter. Pass counts
// are left as configured.
func filterSummary(s Summary, filter string) Summary {
	kept := s.FailedTests[:0:0]
	for _, ft := range s.FailedTests {
		if strings.Contains(strings.ToLower(ft.Name), strings.ToLower(filter)) {
			kept = append(kept, ft)
		}
	}
	s.Total -= s.Failed - len(kept)
	s.Failed = len(kept)
	s.FailedTests = kept
	return s
}
