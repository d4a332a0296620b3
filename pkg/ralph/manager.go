package ralph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"swarm/pkg/eventlog"
	"swarm/pkg/inactivity"
	"swarm/pkg/protocol"
	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

// Defaults applied by Start.
const (
	DefaultInactivityTimeout = 60 * time.Second
	DefaultInactivityMode    = inactivity.ModeOutput
)

// ErrAlreadyRunning means the worker already has a live loop.
var ErrAlreadyRunning = errors.New("ralph loop already running")

// Launcher starts and signals controller processes.
type Launcher interface {
	Detach(args []string, logPath string) (int, error)
	IsAlive(pid int) bool
	Signal(pid int, sig syscall.Signal) error
}

// Manager implements the operator-facing ralph commands.
type Manager struct {
	workers  *worker.Store
	states   *Store
	procs    Launcher
	events   eventlog.Recorder
	logPath  func(name string) string
	now      func() time.Time
	newRunID func() string

	// Session and Socket place new loop workers when StartOptions leaves
	// them empty.
	Session string
	Socket  string
}

// NewManager creates a Manager. logPath names each controller's log file.
func NewManager(workers *worker.Store, states *Store, procs Launcher, events eventlog.Recorder, logPath func(string) string) *Manager {
	if events == nil {
		events = eventlog.Discard
	}
	return &Manager{
		workers:  workers,
		states:   states,
		procs:    procs,
		events:   events,
		logPath:  logPath,
		now:      time.Now,
		newRunID: func() string { return uuid.NewString() },
		Session:  "swarm",
	}
}

// StartOptions are the inputs of Start.
type StartOptions struct {
	Worker            string
	Command           []string
	WorkingDir        string
	Env               map[string]string
	Tags              []string
	Session           string
	Socket            string
	PromptFile        string
	MaxIterations     int
	DonePattern       string
	InactivityTimeout string // Go duration or whole seconds; empty means 60s
	InactivityMode    string // output, ready or both; empty means output
	Foreground        bool   // caller runs the controller itself
}

// Start validates opts, registers a stopped tmux worker, persists a running
// loop and launches its controller unless opts.Foreground is set. Nothing
// is written when validation fails.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*State, error) {
	if err := protocol.ValidateWorkerName(opts.Worker); err != nil {
		return nil, err
	}
	if len(opts.Command) == 0 {
		return nil, protocol.Configf("command", "ralph needs a command to run")
	}
	if opts.MaxIterations <= 0 {
		return nil, protocol.Configf("max_iterations", "must be positive, got %d", opts.MaxIterations)
	}
	prompt, err := filepath.Abs(opts.PromptFile)
	if err != nil || opts.PromptFile == "" {
		return nil, protocol.ConfigWrap("prompt_file", ErrPromptUnreadable, "prompt file is required")
	}
	if _, err := os.ReadFile(prompt); err != nil {
		return nil, protocol.ConfigWrap("prompt_file", ErrPromptUnreadable, "%v", err)
	}
	if opts.DonePattern != "" {
		if _, err := regexp.Compile(opts.DonePattern); err != nil {
			return nil, protocol.Configf("done_pattern", "%v", err)
		}
	}
	timeout, err := parseTimeout(opts.InactivityTimeout)
	if err != nil {
		return nil, protocol.Configf("inactivity_timeout", "%v", err)
	}
	mode := DefaultInactivityMode
	if opts.InactivityMode != "" {
		if mode, err = inactivity.ParseMode(opts.InactivityMode); err != nil {
			return nil, protocol.Configf("inactivity_mode", "%v", err)
		}
	}
	cwd := opts.WorkingDir
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
	}
	if cwd, err = filepath.Abs(cwd); err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}

	existing, err := m.states.Load(opts.Worker)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Status.Terminal() {
		return nil, protocol.ConfigWrap("worker", ErrAlreadyRunning, "%s already has a %s loop", opts.Worker, existing.Status)
	}
	if _, err := m.workers.Load(); err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	if w, ok := m.workers.Get(opts.Worker); ok && !w.Metadata.Ralph {
		return nil, protocol.ConfigWrap("worker", worker.ErrWorkerExists, "%s is already a worker", opts.Worker)
	}

	session := firstNonEmpty(opts.Session, m.Session, "swarm")
	runID := m.newRunID()
	w := worker.Worker{
		Name:        opts.Worker,
		Status:      worker.StatusStopped,
		Command:     opts.Command,
		StartedAt:   m.now().UTC(),
		WorkingDir:  cwd,
		Environment: opts.Env,
		Tags:        worker.NewTags(opts.Tags...),
		Tmux:        &tmux.Pane{Session: session, Window: opts.Worker, Socket: firstNonEmpty(opts.Socket, m.Socket)},
		Metadata:    worker.Metadata{Ralph: true, RunID: runID},
	}
	if err := m.workers.Replace(w); err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}

	if err := m.states.Delete(opts.Worker); err != nil {
		return nil, err
	}
	st := State{
		WorkerName:               opts.Worker,
		RunID:                    runID,
		PromptFile:               prompt,
		MaxIterations:            opts.MaxIterations,
		Status:                   StatusRunning,
		StartedAt:                m.now().UTC(),
		DonePattern:              opts.DonePattern,
		InactivityTimeoutSeconds: int(timeout / time.Second),
		InactivityMode:           mode,
	}
	if err := m.states.Put(st); err != nil {
		return nil, fmt.Errorf("save ralph state: %w", err)
	}
	m.events.Record(ctx, eventlog.Event{
		Type:    "ralph.created",
		Source:  "ralph",
		Worker:  opts.Worker,
		RunID:   runID,
		Payload: fmt.Sprintf("max_iterations=%d mode=%s", opts.MaxIterations, mode),
	})

	if opts.Foreground {
		return &st, nil
	}
	pid, err := m.launch(opts.Worker)
	if err != nil {
		_, _ = m.states.Update(opts.Worker, func(s *State) (bool, error) {
			s.Status = StatusStopped
			return true, nil
		})
		return nil, err
	}
	st.MonitorPID = pid
	return &st, nil
}

// launch detaches a controller and records its pid.
func (m *Manager) launch(name string) (int, error) {
	pid, err := m.procs.Detach([]string{"ralph", "run", name}, m.logPath(name))
	if err != nil {
		return 0, fmt.Errorf("launch ralph controller: %w", err)
	}
	if _, err := m.states.Update(name, func(s *State) (bool, error) {
		s.MonitorPID = pid
		return true, nil
	}); err != nil {
		return 0, fmt.Errorf("record controller pid: %w", err)
	}
	return pid, nil
}

// Pause stops the loop from starting new iterations; the controller exits
// at its next check. Pausing a paused loop changes nothing and returns a
// warning.
func (m *Manager) Pause(ctx context.Context, name string) (string, error) {
	var warning string
	_, err := m.states.Update(name, func(s *State) (bool, error) {
		switch s.Status {
		case StatusPaused:
			warning = fmt.Sprintf("ralph loop for %s is already paused", name)
			return false, nil
		case StatusRunning:
			s.Status = StatusPaused
			return true, nil
		default:
			return false, protocol.Configf("ralph", "%s is %s and cannot be paused", name, s.Status)
		}
	})
	if err != nil {
		return "", m.notFound(name, err)
	}
	if warning == "" {
		m.append(ctx, name, KindPause, F("reason", "user"))
	}
	return warning, nil
}

// Resume sets a paused loop running and relaunches the controller when the
// recorded one is no longer alive.
func (m *Manager) Resume(ctx context.Context, name string) (string, error) {
	var warning string
	st, err := m.states.Update(name, func(s *State) (bool, error) {
		switch s.Status {
		case StatusRunning:
			warning = fmt.Sprintf("ralph loop for %s is already running", name)
			return false, nil
		case StatusPaused:
			s.Status = StatusRunning
			return true, nil
		default:
			return false, protocol.Configf("ralph", "%s is %s; start a new loop instead", name, s.Status)
		}
	})
	if err != nil {
		return "", m.notFound(name, err)
	}
	if st.MonitorPID == 0 || !m.procs.IsAlive(st.MonitorPID) {
		if _, err := m.launch(name); err != nil {
			return warning, err
		}
		if warning != "" {
			warning += "; controller was not running and has been relaunched"
		}
	}
	m.events.Record(ctx, eventlog.Event{Type: "ralph.resume", Source: "ralph", Worker: name, RunID: st.RunID})
	return warning, nil
}

// Stop ends the loop and signals its controller. The worker itself keeps
// running.
func (m *Manager) Stop(ctx context.Context, name string) (*State, error) {
	return m.end(ctx, name, "stopped", true)
}

// OnWorkerKilled ends the loop of a worker the operator killed. A worker
// with no loop, or a loop already over, is left alone.
func (m *Manager) OnWorkerKilled(ctx context.Context, name string) error {
	_, err := m.end(ctx, name, "killed", false)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) end(ctx context.Context, name, reason string, signal bool) (*State, error) {
	var pid int
	changed := false
	st, err := m.states.Update(name, func(s *State) (bool, error) {
		if s.Status.Terminal() {
			return false, nil
		}
		pid = s.MonitorPID
		s.Status = StatusStopped
		s.MonitorPID = 0
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, m.notFound(name, err)
	}
	if !changed {
		return st, nil
	}
	m.append(ctx, name, KindDone, F("reason", reason), F("total_iterations", st.CurrentIteration))
	if signal && pid > 0 && m.procs.IsAlive(pid) {
		_ = m.procs.Signal(pid, syscall.SIGTERM)
	}
	return st, nil
}

// Status returns the loop for name.
func (m *Manager) Status(name string) (*State, error) {
	st, err := m.states.Load(name)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, m.notFound(name, ErrNotFound)
	}
	return st, nil
}

// List returns all loops.
func (m *Manager) List() ([]State, error) {
	return m.states.List()
}

// Remove stops (if needed) and deletes name's loop and iteration log.
func (m *Manager) Remove(ctx context.Context, name string) error {
	st, err := m.states.Load(name)
	if err != nil || st == nil {
		return err
	}
	if !st.Status.Terminal() {
		if _, err := m.Stop(ctx, name); err != nil {
			return err
		}
	}
	return m.states.Delete(name)
}

// LogPath returns the iteration log of name.
func (m *Manager) LogPath(name string) string {
	return m.states.LogPath(name)
}

func (m *Manager) append(ctx context.Context, name string, kind Kind, fields ...Field) {
	l := NewIterationLog(m.states.LogPath(name))
	l.now = m.now
	if _, err := l.Append(kind, fields...); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	var runID string
	if st, err := m.states.Load(name); err == nil && st != nil {
		runID = st.RunID
	}
	record(ctx, m.events, name, runID, kind, fields)
}

func (m *Manager) notFound(name string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return protocol.ConfigWrap("ralph", ErrNotFound, "no ralph loop for %s", name)
	}
	return err
}

// parseTimeout accepts a Go duration or whole seconds. Empty means the
// default; the result is at least one second.
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultInactivityTimeout, nil
	}
	var d time.Duration
	if n, err := strconv.Atoi(s); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("cannot parse %q as a duration", s)
	}
	if d < time.Second {
		return 0, fmt.Errorf("%q must be at least 1s", s)
	}
	return d, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
