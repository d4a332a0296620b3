// Package spawn creates, messages and kills workers through the shared
// store.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"swarm/pkg/proc"
	"swarm/pkg/protocol"
	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

// ErrNotTerminal is returned by Send for process workers.
var ErrNotTerminal = errors.New("worker has no tmux pane")

// Panes is the multiplexer surface the spawner drives.
type Panes interface {
	NewWindow(ctx context.Context, p tmux.Pane, cwd string, env map[string]string, command []string) error
	WaitForReady(ctx context.Context, p tmux.Pane, timeout time.Duration) error
	SendText(ctx context.Context, p tmux.Pane, text string) error
	KillWindow(ctx context.Context, p tmux.Pane) error
}

// Processes starts and stops background process workers.
type Processes interface {
	Spawn(opts proc.Options) (int, error)
	Terminate(pid int) error
}

// Worktrees creates and removes git worktrees.
type Worktrees interface {
	Create(ctx context.Context, repo, name, branch string) (*worker.Worktree, error)
	Remove(ctx context.Context, wt worker.Worktree) error
}

// Spawner is the worker lifecycle used by the CLI.
type Spawner struct {
	workers   *worker.Store
	panes     Panes
	procs     Processes
	worktrees Worktrees
	logPath   func(name string) string

	Session      string        // default tmux session
	Socket       string        // tmux -L socket recorded on new panes
	ReadyTimeout time.Duration // used by Options.ReadyWait
}

// New creates a Spawner. logPath names the output file of process workers.
func New(workers *worker.Store, panes Panes, procs Processes, worktrees Worktrees, logPath func(string) string) *Spawner {
	return &Spawner{
		workers:      workers,
		panes:        panes,
		procs:        procs,
		worktrees:    worktrees,
		logPath:      logPath,
		Session:      "swarm",
		ReadyTimeout: 60 * time.Second,
	}
}

// Options describe a new worker.
type Options struct {
	Name       string
	Command    []string
	WorkingDir string
	Env        map[string]string
	Tags       []string
	Tmux       bool
	Session    string
	Worktree   bool
	Branch     string
	ReadyWait  bool // wait for an agent prompt before returning
}

// Spawn starts a worker and records it. On failure nothing stays behind:
// a created window or process is killed and a created worktree removed.
func (s *Spawner) Spawn(ctx context.Context, opts Options) (*worker.Worker, error) {
	if err := protocol.ValidateWorkerName(opts.Name); err != nil {
		return nil, err
	}
	if len(opts.Command) == 0 {
		return nil, protocol.Configf("command", "no command given; pass it after --")
	}
	if opts.Branch != "" && !opts.Worktree {
		return nil, protocol.Configf("branch", "--branch needs --worktree")
	}
	if opts.ReadyWait && !opts.Tmux {
		return nil, protocol.Configf("ready-wait", "--ready-wait needs --tmux")
	}
	if _, err := s.workers.Load(); err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	if _, ok := s.workers.Get(opts.Name); ok {
		return nil, protocol.ConfigWrap("worker", worker.ErrWorkerExists, "%s already exists", opts.Name)
	}

	cwd := opts.WorkingDir
	var err error
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
	}
	if cwd, err = filepath.Abs(cwd); err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}

	w := worker.Worker{
		Name:        opts.Name,
		Status:      worker.StatusRunning,
		Command:     opts.Command,
		WorkingDir:  cwd,
		Environment: opts.Env,
		Tags:        worker.NewTags(opts.Tags...),
	}

	if opts.Worktree {
		wt, err := s.worktrees.Create(ctx, cwd, opts.Name, opts.Branch)
		if err != nil {
			return nil, err
		}
		w.Worktree = wt
		w.WorkingDir = wt.Path
	}

	if err := s.start(ctx, &w, opts); err != nil {
		s.undo(ctx, w)
		return nil, err
	}
	if err := s.workers.Add(w); err != nil {
		s.undo(ctx, w)
		return nil, err
	}
	got, _ := s.workers.Get(w.Name)
	return &got, nil
}

func (s *Spawner) start(ctx context.Context, w *worker.Worker, opts Options) error {
	if !opts.Tmux {
		pid, err := s.procs.Spawn(proc.Options{
			Command: w.Command,
			Dir:     w.WorkingDir,
			Env:     w.Environment,
			LogPath: s.logPath(w.Name),
		})
		if err != nil {
			return fmt.Errorf("start %s: %w", w.Name, err)
		}
		w.PID = pid
		return nil
	}

	session := opts.Session
	if session == "" {
		session = s.Session
	}
	pane := tmux.Pane{Session: session, Window: w.Name, Socket: s.Socket}
	if err := s.panes.NewWindow(ctx, pane, w.WorkingDir, w.Environment, w.Command); err != nil {
		return fmt.Errorf("start %s: %w", w.Name, err)
	}
	w.Tmux = &pane
	if opts.ReadyWait {
		if err := s.panes.WaitForReady(ctx, pane, s.ReadyTimeout); err != nil {
			return fmt.Errorf("wait for %s: %w", w.Name, err)
		}
	}
	return nil
}

// undo tears down whatever a failed Spawn created.
func (s *Spawner) undo(ctx context.Context, w worker.Worker) {
	switch {
	case w.Tmux != nil:
		_ = s.panes.KillWindow(ctx, *w.Tmux)
	case w.PID > 0:
		_ = s.procs.Terminate(w.PID)
	}
	if w.Worktree != nil {
		_ = s.worktrees.Remove(ctx, *w.Worktree)
	}
}

// Send types text into a tmux worker's pane and presses Enter.
func (s *Spawner) Send(ctx context.Context, name, text string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}
	if w.Tmux == nil {
		return protocol.ConfigWrap("worker", ErrNotTerminal, "%s is a process worker", name)
	}
	if err := s.panes.SendText(ctx, *w.Tmux, text); err != nil {
		return fmt.Errorf("send to %s: %w", name, err)
	}
	return nil
}

// KillOptions control what Kill removes besides the process.
type KillOptions struct {
	Remove         bool // drop the record
	RemoveWorktree bool
}

// Kill stops the worker's window or process group and marks it stopped.
func (s *Spawner) Kill(ctx context.Context, name string, opts KillOptions) (*worker.Worker, error) {
	w, err := s.get(name)
	if err != nil {
		return nil, err
	}
	switch {
	case w.Tmux != nil:
		if err := s.panes.KillWindow(ctx, *w.Tmux); err != nil {
			return nil, fmt.Errorf("kill %s: %w", name, err)
		}
	case w.PID > 0:
		if err := s.procs.Terminate(w.PID); err != nil {
			return nil, fmt.Errorf("kill %s: %w", name, err)
		}
	}
	if _, err := s.workers.Update(name, func(cur *worker.Worker) { cur.Status = worker.StatusStopped }); err != nil {
		return nil, err
	}
	w.Status = worker.StatusStopped

	if opts.RemoveWorktree && w.Worktree != nil {
		if err := s.worktrees.Remove(ctx, *w.Worktree); err != nil {
			return &w, err
		}
	}
	if opts.Remove {
		if _, err := s.workers.Remove(name); err != nil {
			return &w, err
		}
	}
	return &w, nil
}

// Remove drops a worker record, and its worktree when removeWorktree is
// set. The worker is not signalled.
func (s *Spawner) Remove(ctx context.Context, name string, removeWorktree bool) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}
	if removeWorktree && w.Worktree != nil {
		if err := s.worktrees.Remove(ctx, *w.Worktree); err != nil {
			return err
		}
	}
	_, err = s.workers.Remove(name)
	return err
}

func (s *Spawner) get(name string) (worker.Worker, error) {
	if _, err := s.workers.Load(); err != nil {
		return worker.Worker{}, fmt.Errorf("load workers: %w", err)
	}
	w, ok := s.workers.Get(name)
	if !ok {
		return worker.Worker{}, protocol.ConfigWrap("worker", worker.ErrNotFound, "no worker named %s", name)
	}
	return w, nil
}
