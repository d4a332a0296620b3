package ralph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"swarm/pkg/eventlog"
	"swarm/pkg/inactivity"
	"swarm/pkg/protocol"
	"swarm/pkg/telemetry"
	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

// DefaultPoll is the controller's cadence while an iteration runs.
const DefaultPoll = time.Second

// ErrPromptUnreadable ends a loop whose prompt file cannot be read.
var ErrPromptUnreadable = errors.New("prompt file unreadable")

// Panes is the multiplexer surface the controller drives.
type Panes interface {
	NewWindow(ctx context.Context, p tmux.Pane, cwd string, env map[string]string, command []string) error
	WaitForReady(ctx context.Context, p tmux.Pane, timeout time.Duration) error
	SendText(ctx context.Context, p tmux.Pane, text string) error
	CapturePane(ctx context.Context, p tmux.Pane) (string, error)
	KillWindow(ctx context.Context, p tmux.Pane) error
}

// Prober reports a worker's live status.
type Prober interface {
	Probe(ctx context.Context, w worker.Worker) worker.Status
}

// ControllerDeps are the collaborators of a Controller.
type ControllerDeps struct {
	States        *Store
	Workers       *worker.Store
	Prober        Prober
	Panes         Panes
	Events        eventlog.Recorder
	Tracer        oteltrace.Tracer
	Logger        *log.Logger
	ReadyPatterns []*regexp.Regexp
	Poll          time.Duration
	ReadyTimeout  time.Duration
	PID           int // recorded as monitor_pid when non-zero

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Controller is the loop run by `swarm ralph run NAME`.
type Controller struct {
	name string
	d    ControllerDeps
	log  *IterationLog
}

// NewController creates the controller for the named worker.
func NewController(name string, d ControllerDeps) *Controller {
	if d.Poll <= 0 {
		d.Poll = DefaultPoll
	}
	if d.Events == nil {
		d.Events = eventlog.Discard
	}
	if d.Tracer == nil {
		d.Tracer = (*telemetry.Provider)(nil).Tracer()
	}
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.Sleep == nil {
		d.Sleep = sleepOrCancel
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	l := NewIterationLog(d.States.LogPath(name))
	l.now = d.Now
	return &Controller{name: name, d: d, log: l}
}

// outcome of one pass through the loop body.
type outcome int

const (
	next outcome = iota // go around again
	exit                // loop over, status already persisted
)

// Run drives iterations until the loop leaves the running state. A
// cancelled ctx pauses the loop and returns nil. Fatal conditions persist
// failed and return a *protocol.FatalLoopError.
func (c *Controller) Run(ctx context.Context) error {
	if c.d.PID > 0 {
		if _, err := c.d.States.Update(c.name, func(s *State) (bool, error) {
			s.MonitorPID = c.d.PID
			return true, nil
		}); err != nil && !errors.Is(err, ErrNotFound) {
			c.d.Logger.Printf("record controller pid: %v", err)
		}
	}
	c.d.Logger.Printf("controller started (poll %v)", c.d.Poll)
	for {
		out, err := c.safeIteration(ctx)
		if err != nil {
			return err
		}
		if out == exit {
			c.d.Logger.Printf("controller exiting")
			return nil
		}
	}
}

// safeIteration runs one iteration, turning a panic into a logged retry.
func (c *Controller) safeIteration(ctx context.Context) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.d.Logger.Printf("recovered panic in iteration: %v", r)
			out, err = next, nil
			if serr := c.d.Sleep(ctx, c.d.Poll); serr != nil {
				c.d.Logger.Printf("sleep after panic: %v", serr)
			}
		}
	}()
	return c.iteration(ctx)
}

// checkStop is consulted at the top of every iteration and every poll. It
// returns the current state, or nil when the loop must exit. A cancelled
// ctx turns a running loop into a paused one.
func (c *Controller) checkStop(ctx context.Context) *State {
	if ctx.Err() != nil {
		paused := false
		_, err := c.d.States.Update(c.name, func(s *State) (bool, error) {
			if s.Status != StatusRunning {
				return false, nil
			}
			s.Status = StatusPaused
			s.MonitorPID = 0
			paused = true
			return true, nil
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			c.d.Logger.Printf("pause on signal: %v", err)
		}
		if paused {
			c.append(context.WithoutCancel(ctx), KindPause, F("reason", "sigterm"))
		}
		return nil
	}

	st, err := c.d.States.Load(c.name)
	if err != nil {
		c.d.Logger.Printf("load state: %v", err)
		return nil
	}
	if st == nil {
		return nil
	}
	if st.Status != StatusRunning {
		c.d.Logger.Printf("status is %s", st.Status)
		return nil
	}
	return st
}

// iteration covers one worker lifetime: budget and prompt checks, a respawn
// when the worker is down, then watching it until it ends.
func (c *Controller) iteration(ctx context.Context) (outcome, error) {
	st := c.checkStop(ctx)
	if st == nil {
		return exit, nil
	}

	if st.CurrentIteration >= st.MaxIterations {
		c.finish(StatusStopped)
		c.append(ctx, KindDone, F("reason", "max_iterations"), F("total_iterations", st.CurrentIteration))
		return exit, nil
	}

	prompt, err := os.ReadFile(st.PromptFile)
	if err != nil {
		c.finish(StatusFailed)
		c.append(ctx, KindDone, F("reason", "prompt_unreadable"), F("error", err.Error()))
		return exit, &protocol.FatalLoopError{
			Worker: c.name,
			Reason: "prompt_unreadable",
			Err:    fmt.Errorf("%w: %w", ErrPromptUnreadable, err),
		}
	}

	if _, err := c.d.Workers.Load(); err != nil {
		c.d.Logger.Printf("load workers: %v", err)
		return next, c.wait(ctx, c.d.Poll)
	}
	w, ok := c.d.Workers.Get(c.name)
	if !ok {
		c.finish(StatusStopped)
		c.append(ctx, KindDone, F("reason", "worker_removed"))
		return exit, nil
	}
	if w.Tmux == nil {
		return exit, c.fatal(ctx, "not_terminal", fmt.Errorf("worker %s has no tmux pane", c.name))
	}

	iter := st.CurrentIteration
	if c.d.Prober.Probe(ctx, w) != worker.StatusRunning {
		var err error
		st, err = c.restart(ctx, *st, w, string(prompt))
		if err != nil {
			return c.spawnFailed(ctx, err)
		}
		iter = st.CurrentIteration
	}

	return c.watch(ctx, *st, w, iter, string(prompt))
}

// restart relaunches the worker with its original placement, injects the
// prompt and records the iteration start.
func (c *Controller) restart(ctx context.Context, st State, w worker.Worker, prompt string) (*State, error) {
	pane := *w.Tmux
	if err := c.spawn(ctx, pane, w, prompt); err != nil {
		return nil, err
	}

	startedAt := c.d.Now().UTC()
	fresh := w.Clone()
	fresh.Status = worker.StatusRunning
	fresh.StartedAt = startedAt
	fresh.PID = 0
	fresh.Metadata.Ralph = true
	fresh.Metadata.RunID = st.RunID
	if err := c.d.Workers.Replace(fresh); err != nil {
		c.d.Logger.Printf("replace worker record: %v", err)
	}

	updated, err := c.d.States.Update(c.name, func(s *State) (bool, error) {
		s.ConsecutiveFailures = 0
		s.CurrentIteration++
		s.LastIterationStartedAt = &startedAt
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record iteration start: %w", err)
	}
	c.append(ctx, KindStart, F("iteration", fmt.Sprintf("%d/%d", updated.CurrentIteration, updated.MaxIterations)))
	return updated, nil
}

// spawn creates the window and injects the prompt. A stale window is
// removed first. Panics are reported as spawn failures.
func (c *Controller) spawn(ctx context.Context, pane tmux.Pane, w worker.Worker, prompt string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("spawn panicked: %v", r)
		}
	}()
	if err := c.d.Panes.KillWindow(ctx, pane); err != nil {
		c.d.Logger.Printf("remove stale window: %v", err)
	}
	if err := c.d.Panes.NewWindow(ctx, pane, w.WorkingDir, w.Environment, w.Command); err != nil {
		return fmt.Errorf("create window: %w", err)
	}
	if c.d.ReadyTimeout > 0 {
		if err := c.d.Panes.WaitForReady(ctx, pane, c.d.ReadyTimeout); err != nil {
			c.d.Logger.Printf("agent not ready, injecting anyway: %v", err)
		}
	}
	if err := c.d.Panes.SendText(ctx, pane, strings.TrimRight(prompt, "\n")); err != nil {
		return fmt.Errorf("inject prompt: %w", err)
	}
	return nil
}

// spawnFailed counts a failed spawn, then backs off or gives up.
func (c *Controller) spawnFailed(ctx context.Context, cause error) (outcome, error) {
	st, err := c.d.States.Update(c.name, func(s *State) (bool, error) {
		s.ConsecutiveFailures++
		s.TotalFailures++
		if s.ConsecutiveFailures >= protocol.MaxConsecutiveFailures && s.Status == StatusRunning {
			s.Status = StatusFailed
			s.MonitorPID = 0
		}
		return true, nil
	})
	if err != nil {
		c.d.Logger.Printf("record spawn failure: %v", err)
		return next, c.wait(ctx, c.d.Poll)
	}
	k := st.ConsecutiveFailures
	attempt := fmt.Sprintf("%d/%d", k, protocol.MaxConsecutiveFailures)
	c.d.Logger.Printf("spawn failed (attempt %s): %v", attempt, cause)

	if st.Status == StatusFailed {
		c.append(ctx, KindFail, F("attempt", attempt), F("error", cause.Error()))
		c.append(ctx, KindDone, F("reason", "spawn_failures"), F("total_failures", st.TotalFailures))
		return exit, &protocol.FatalLoopError{Worker: c.name, Reason: "spawn_failures", Err: cause}
	}

	d := backoff(k)
	c.append(ctx, KindFail, F("attempt", attempt), F("backoff", d), F("error", cause.Error()))
	return next, c.wait(ctx, d)
}

// watch polls the running worker until it finishes, idles out or matches
// the done pattern. prompt is the injected text, which the pane echoes.
func (c *Controller) watch(ctx context.Context, st State, w worker.Worker, iter int, prompt string) (outcome, error) {
	ctx, span := c.d.Tracer.Start(ctx, "ralph.iteration", oteltrace.WithAttributes(
		telemetry.Worker(c.name),
		attribute.String("swarm.ralph.run_id", st.RunID),
		attribute.Int("swarm.ralph.iteration", iter),
	))

	var done *regexp.Regexp
	if st.DonePattern != "" {
		re, err := regexp.Compile(st.DonePattern)
		if err != nil {
			c.d.Logger.Printf("bad done pattern %q: %v", st.DonePattern, err)
		} else {
			done = re
		}
	}
	pane := *w.Tmux
	tracker := inactivity.NewTracker(st.InactivityMode, st.InactivityTimeout(), c.d.ReadyPatterns)
	began := c.d.Now()
	progress := fmt.Sprintf("%d/%d", iter, st.MaxIterations)

	for {
		if c.checkStop(ctx) == nil {
			span.SetAttributes(attribute.String("swarm.ralph.end", "interrupted"))
			telemetry.End(span, nil)
			return exit, nil
		}

		content, err := c.d.Panes.CapturePane(ctx, pane)
		if err == nil {
			if done != nil && doneMatched(done, content, prompt) {
				c.finish(StatusStopped)
				c.append(ctx, KindDone, F("reason", "done_pattern"), F("iteration", progress))
				span.SetAttributes(attribute.String("swarm.ralph.end", "done_pattern"))
				telemetry.End(span, nil)
				return exit, nil
			}
			now := c.d.Now()
			if r := tracker.Observe(content, now); r.Inactive {
				c.append(ctx, KindTimeout, F("iteration", progress), F("idle", st.InactivityTimeout()), F("mode", st.InactivityMode))
				c.terminate(ctx, pane)
				span.SetAttributes(attribute.String("swarm.ralph.end", "timeout"))
				telemetry.End(span, nil)
				return next, nil
			}
		}

		if c.d.Prober.Probe(ctx, w) != worker.StatusRunning {
			if _, err := c.d.Workers.Update(c.name, func(cur *worker.Worker) { cur.Status = worker.StatusStopped }); err != nil {
				c.d.Logger.Printf("mark worker stopped: %v", err)
			}
			dur := c.d.Now().Sub(began).Round(time.Second)
			c.append(ctx, KindEnd, F("iteration", progress), F("duration", dur))
			span.SetAttributes(attribute.String("swarm.ralph.end", "exited"))
			telemetry.End(span, nil)
			return next, nil
		}

		if err := c.wait(ctx, c.d.Poll); err != nil {
			telemetry.End(span, err)
			return exit, err
		}
	}
}

// doneMatched reports whether content holds more done-pattern matches than
// the prompt itself, so a prompt that names its own completion marker does
// not end the loop when the agent echoes it.
func doneMatched(done *regexp.Regexp, content, prompt string) bool {
	return len(done.FindAllStringIndex(content, -1)) > len(done.FindAllStringIndex(prompt, -1))
}

// terminate kills the worker's window and marks the record stopped.
func (c *Controller) terminate(ctx context.Context, pane tmux.Pane) {
	if err := c.d.Panes.KillWindow(ctx, pane); err != nil {
		c.d.Logger.Printf("kill idle worker: %v", err)
	}
	if _, err := c.d.Workers.Update(c.name, func(w *worker.Worker) { w.Status = worker.StatusStopped }); err != nil {
		c.d.Logger.Printf("mark worker stopped: %v", err)
	}
}

// wait sleeps; an interrupted sleep is not an error since the next
// checkStop handles cancellation.
func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	if err := c.d.Sleep(ctx, d); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// fatal persists failed and returns the loop error.
func (c *Controller) fatal(ctx context.Context, reason string, err error) error {
	c.finish(StatusFailed)
	c.append(ctx, KindDone, F("reason", reason), F("error", err.Error()))
	return &protocol.FatalLoopError{Worker: c.name, Reason: reason, Err: err}
}

// finish persists a terminal status and clears the controller pid. A loop
// that is no longer running was stopped or paused by the operator; that
// status stands.
func (c *Controller) finish(status Status) {
	if _, err := c.d.States.Update(c.name, func(s *State) (bool, error) {
		if s.Status != StatusRunning {
			return false, nil
		}
		s.Status = status
		s.MonitorPID = 0
		return true, nil
	}); err != nil {
		c.d.Logger.Printf("set %s: %v", status, err)
	}
}

// append writes an iteration log line and mirrors it into the event log.
func (c *Controller) append(ctx context.Context, kind Kind, fields ...Field) {
	line, err := c.log.Append(kind, fields...)
	if err != nil {
		c.d.Logger.Printf("iteration log: %v", err)
	}
	c.d.Logger.Print(line)
	record(ctx, c.d.Events, c.name, c.runID(), kind, fields)
}

func (c *Controller) runID() string {
	st, err := c.d.States.Load(c.name)
	if err != nil || st == nil {
		return ""
	}
	return st.RunID
}

func record(ctx context.Context, rec eventlog.Recorder, name, runID string, kind Kind, fields []Field) {
	rec.Record(ctx, eventlog.Event{
		Type:    "ralph." + strings.ToLower(string(kind)),
		Source:  "ralph",
		Worker:  name,
		RunID:   runID,
		Payload: formatFields(fields),
	})
}

// sleepOrCancel waits for d or until ctx is done.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
