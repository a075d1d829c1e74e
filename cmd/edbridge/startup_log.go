package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// startupLog prints host and worker startup progress, animating waits when
// the output is a terminal.
type startupLog struct {
	w     io.Writer
	isTTY bool
	mu    sync.Mutex
}

func newStartupLog(w io.Writer, isTTY bool) *startupLog {
	return &startupLog{w: w, isTTY: isTTY}
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Step prints a completed step with a checkmark.
func (s *startupLog) Step(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Wait shows msg until the returned function is called. done(true) prints a
// checkmark with the elapsed time, done(false) a cross. Repeat calls are
// ignored.
func (s *startupLog) Wait(msg string) (done func(ok bool)) {
	start := time.Now()
	finish := func(ok bool) {
		mark := "✓"
		if !ok {
			mark = "✗"
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		prefix := ""
		if s.isTTY {
			prefix = "\r"
		}
		fmt.Fprintf(s.w, "%s%s %s (%s)\n", prefix, mark, msg, time.Since(start).Round(time.Millisecond))
	}

	if !s.isTTY {
		s.mu.Lock()
		fmt.Fprintf(s.w, "%s\n", msg)
		s.mu.Unlock()
		var once sync.Once
		return func(ok bool) { once.Do(func() { finish(ok) }) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	frames := []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(frames) {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(s.w, "\r%c %s", frames[i], msg)
				s.mu.Unlock()
			}
		}
	}()

	var once sync.Once
	return func(ok bool) {
		once.Do(func() {
			cancel()
			wg.Wait()
			finish(ok)
		})
	}
}
