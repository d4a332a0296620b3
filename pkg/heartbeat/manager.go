package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"swarm/pkg/protocol"
	"swarm/pkg/worker"
)

// DefaultMessage is injected when Start is given no message.
const DefaultMessage = "continue"

// Sentinel errors for Start.
var (
	ErrNotTerminal   = errors.New("worker has no tmux pane")
	ErrAlreadyActive = errors.New("heartbeat already active")
)

// Launcher starts and signals monitor processes.
type Launcher interface {
	Detach(args []string, logPath string) (int, error)
	IsAlive(pid int) bool
	Signal(pid int, sig syscall.Signal) error
}

// Manager implements the operator-facing heartbeat commands. It never
// nudges anything itself; that is the Monitor's job.
type Manager struct {
	workers *worker.Store
	states  *Store
	procs   Launcher
	logPath func(name string) string
	now     func() time.Time
}

// NewManager creates a Manager. logPath names each monitor's log file.
func NewManager(workers *worker.Store, states *Store, procs Launcher, logPath func(string) string) *Manager {
	return &Manager{
		workers: workers,
		states:  states,
		procs:   procs,
		logPath: logPath,
		now:     time.Now,
	}
}

// StartOptions are the inputs of Start.
type StartOptions struct {
	Worker   string
	Interval string // see ParseDuration
	Expire   string // optional; relative to now
	Message  string
	Force    bool // replace an existing active or paused heartbeat
}

// Start validates opts, persists a new active heartbeat, launches its
// monitor and flags the worker. Nothing is written when validation fails.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*State, error) {
	if _, err := m.workers.Load(); err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	w, ok := m.workers.Get(opts.Worker)
	if !ok {
		return nil, protocol.ConfigWrap("worker", worker.ErrNotFound, "no worker named %s", opts.Worker)
	}
	if !w.IsTerminal() {
		return nil, protocol.ConfigWrap("worker", ErrNotTerminal, "%s is a process worker; heartbeats need a tmux pane", w.Name)
	}
	interval, err := ParseDuration(opts.Interval)
	if err != nil {
		return nil, protocol.Configf("interval", "%v", err)
	}
	now := m.now().UTC()
	var expireAt *time.Time
	if opts.Expire != "" {
		d, err := ParseDuration(opts.Expire)
		if err != nil {
			return nil, protocol.Configf("expire", "%v", err)
		}
		t := now.Add(d)
		expireAt = &t
	}
	msg := strings.TrimSpace(opts.Message)
	if msg == "" {
		msg = DefaultMessage
	}

	existing, err := m.states.Load(opts.Worker)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Status.Terminal() {
		if !opts.Force {
			return nil, protocol.ConfigWrap("heartbeat", ErrAlreadyActive,
				"%s already has a %s heartbeat; use --force to replace it", opts.Worker, existing.Status)
		}
		if _, err := m.Stop(opts.Worker); err != nil {
			return nil, fmt.Errorf("stop previous heartbeat: %w", err)
		}
	}

	st := State{
		WorkerName:      opts.Worker,
		IntervalSeconds: int64(interval / time.Second),
		ExpireAt:        expireAt,
		Message:         msg,
		CreatedAt:       now,
		Status:          StatusActive,
	}
	if st.IntervalSeconds < 1 {
		st.IntervalSeconds = 1
	}
	if err := m.states.Put(st); err != nil {
		return nil, fmt.Errorf("save heartbeat: %w", err)
	}

	pid, err := m.launch(opts.Worker)
	if err != nil {
		_, _ = m.states.Update(opts.Worker, func(s *State) (bool, error) {
			s.Status = StatusStopped
			return true, nil
		})
		return nil, err
	}

	if _, err := m.workers.Update(opts.Worker, func(w *worker.Worker) { w.Metadata.Heartbeat = true }); err != nil {
		return nil, fmt.Errorf("flag worker: %w", err)
	}
	st.MonitorPID = pid
	return &st, nil
}

// launch detaches a monitor and records its pid.
func (m *Manager) launch(name string) (int, error) {
	pid, err := m.procs.Detach([]string{"heartbeat", "run", name}, m.logPath(name))
	if err != nil {
		return 0, fmt.Errorf("launch heartbeat monitor: %w", err)
	}
	if _, err := m.states.Update(name, func(s *State) (bool, error) {
		s.MonitorPID = pid
		return true, nil
	}); err != nil {
		return 0, fmt.Errorf("record monitor pid: %w", err)
	}
	return pid, nil
}

// Stop marks the heartbeat stopped, clears its monitor pid and sends
// SIGTERM to a monitor that is still alive.
func (m *Manager) Stop(name string) (*State, error) {
	var pid int
	st, err := m.states.Update(name, func(s *State) (bool, error) {
		pid = s.MonitorPID
		s.Status = StatusStopped
		s.MonitorPID = 0
		return true, nil
	})
	if err != nil {
		return nil, m.notFound(name, err)
	}
	if pid > 0 && m.procs.IsAlive(pid) {
		_ = m.procs.Signal(pid, syscall.SIGTERM)
	}
	if _, err := m.workers.Update(name, func(w *worker.Worker) { w.Metadata.Heartbeat = false }); err != nil {
		return st, fmt.Errorf("unflag worker: %w", err)
	}
	return st, nil
}

// Pause suspends nudging. Pausing a paused heartbeat changes nothing and
// returns a warning.
func (m *Manager) Pause(name string) (string, error) {
	var warning string
	_, err := m.states.Update(name, func(s *State) (bool, error) {
		switch s.Status {
		case StatusPaused:
			warning = fmt.Sprintf("heartbeat for %s is already paused", name)
			return false, nil
		case StatusActive:
			s.Status = StatusPaused
			return true, nil
		default:
			return false, protocol.Configf("heartbeat", "%s is %s and cannot be paused", name, s.Status)
		}
	})
	if err != nil {
		return "", m.notFound(name, err)
	}
	return warning, nil
}

// Resume reactivates a paused heartbeat and relaunches its monitor when the
// recorded one is no longer alive.
func (m *Manager) Resume(name string) (string, error) {
	var warning string
	st, err := m.states.Update(name, func(s *State) (bool, error) {
		switch s.Status {
		case StatusActive:
			warning = fmt.Sprintf("heartbeat for %s is already active", name)
			return false, nil
		case StatusPaused:
			s.Status = StatusActive
			return true, nil
		default:
			return false, protocol.Configf("heartbeat", "%s is %s; start a new heartbeat instead", name, s.Status)
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
			warning += "; monitor was not running and has been relaunched"
		}
	}
	return warning, nil
}

// Status returns the heartbeat for name.
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

// List returns all heartbeats.
func (m *Manager) List() ([]State, error) {
	return m.states.List()
}

// Remove stops (if needed) and deletes name's heartbeat.
func (m *Manager) Remove(name string) error {
	st, err := m.states.Load(name)
	if err != nil || st == nil {
		return err
	}
	if !st.Status.Terminal() {
		if _, err := m.Stop(name); err != nil {
			return err
		}
	}
	return m.states.Delete(name)
}

func (m *Manager) notFound(name string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return protocol.ConfigWrap("heartbeat", ErrNotFound, "no heartbeat for %s", name)
	}
	return err
}
