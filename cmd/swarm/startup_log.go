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

// startupLog prints multi-step progress for spawn and ralph start.
type startupLog struct {
	w     io.Writer
	isTTY bool
	mu    sync.Mutex
}

// newStartupLog creates a startup logger that writes to w.
// isTTY controls whether to use animated spinners (true) or static output (false).
func newStartupLog(w io.Writer, isTTY bool) *startupLog {
	return &startupLog{
		w:     w,
		isTTY: isTTY,
	}
}

// startupLogFor picks spinner mode when w is a terminal.
func startupLogFor(w io.Writer) *startupLog {
	return newStartupLog(w, isTerminal(w))
}

// isTerminal reports whether w is an *os.File attached to a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Step prints a completed step with a checkmark.
func (s *startupLog) Step(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s\n", msg)
}

// Stepf is Step with formatting.
func (s *startupLog) Stepf(format string, args ...any) {
	s.Step(fmt.Sprintf(format, args...))
}

// Warn prints a step that succeeded with a caveat.
func (s *startupLog) Warn(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "! %s\n", msg)
}

// StartSpinner starts an animated spinner for long-running operations.
// The returned function stops it and prints a checkmark, or a cross when
// passed a non-nil error. Without a TTY the message is printed once.
func (s *startupLog) StartSpinner(msg string) func(err error) {
	begin := time.Now()
	if !s.isTTY {
		s.mu.Lock()
		fmt.Fprintf(s.w, "%s\n", msg)
		s.mu.Unlock()
		return func(err error) { s.finish(msg, begin, err, "") }
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)

	frames := []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}
	idx := 0

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(s.w, "\r%c %s", frames[idx], msg)
				s.mu.Unlock()
				idx = (idx + 1) % len(frames)
			}
		}
	}()

	var once sync.Once
	return func(err error) {
		once.Do(func() {
			cancel()
			wg.Wait()
			s.finish(msg, begin, err, "\r")
		})
	}
}

func (s *startupLog) finish(msg string, begin time.Time, err error, prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		fmt.Fprintf(s.w, "%s✗ %s: %v\n", prefix, msg, err)
		return
	}
	if d := time.Since(begin); d >= time.Second {
		fmt.Fprintf(s.w, "%s✓ %s (%ds)\n", prefix, msg, int(d.Seconds()))
		return
	}
	fmt.Fprintf(s.w, "%s✓ %s\n", prefix, msg)
}
