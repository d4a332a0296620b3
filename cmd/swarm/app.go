package main

import (
	"fmt"
	"os"
	"time"

	"swarm/pkg/config"
	"swarm/pkg/eventlog"
	"swarm/pkg/heartbeat"
	"swarm/pkg/probe"
	"swarm/pkg/proc"
	"swarm/pkg/ralph"
	"swarm/pkg/spawn"
	"swarm/pkg/tmux"
	"swarm/pkg/worker"
	"swarm/pkg/worktree"
)

// gitTimeout bounds a single git invocation; worktree add can be slow on
// large repositories.
const gitTimeout = 30 * time.Second

// app wires the resolved Config into every component a command needs.
type app struct {
	cfg     *config.Config
	workers *worker.Store
	tmux    *tmux.Client
	procs   proc.OS
	prober  *probe.Prober
	spawner *spawn.Spawner
	trees   *worktree.Manager
	events  *eventlog.Mirror

	hbStates    *heartbeat.Store
	heartbeats  *heartbeat.Manager
	ralphStates *ralph.Store
	ralph       *ralph.Manager
}

func newApp() (*app, error) {
	cfg, err := config.Resolve()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	patterns, err := cfg.CompileReadyPatterns()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		workers: worker.NewStore(cfg.StateFile),
		tmux:    tmux.New(cfg.TmuxSocket, patterns),
		procs:   proc.OS{Grace: cfg.KillGrace},
	}
	a.prober = probe.New(a.tmux, a.procs)
	a.events = eventlog.NewMirror(cfg.EventsDB, warnf)

	a.trees = worktree.New(&tmux.ExecRunner{Timeout: gitTimeout})
	a.spawner = spawn.New(a.workers, a.tmux, a.procs, a.trees, cfg.WorkerLog)
	a.spawner.Session = cfg.DefaultSession
	a.spawner.Socket = cfg.TmuxSocket
	a.spawner.ReadyTimeout = cfg.ReadyTimeout

	a.hbStates = heartbeat.NewStore(cfg.HeartbeatsDir)
	a.heartbeats = heartbeat.NewManager(a.workers, a.hbStates, a.procs, func(name string) string {
		return cfg.MonitorLog("heartbeat", name)
	})

	a.ralphStates = ralph.NewStore(cfg.RalphDir)
	a.ralph = ralph.NewManager(a.workers, a.ralphStates, a.procs, a.events, func(name string) string {
		return cfg.MonitorLog("ralph", name)
	})
	a.ralph.Session = cfg.DefaultSession
	a.ralph.Socket = cfg.TmuxSocket
	return a, nil
}

func (a *app) Close() {
	_ = a.events.Close()
}

// loadWorkers reloads the store and prints a corruption warning if any.
func (a *app) loadWorkers() error {
	warning, err := a.workers.Load()
	if warning != "" {
		warnf("%s", warning)
	}
	return err
}

// warnf writes a "warning: ..." line to stderr.
func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}
