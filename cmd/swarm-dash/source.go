package main

import (
	"context"
	"fmt"
	"time"

	"swarm/pkg/config"
	"swarm/pkg/heartbeat"
	"swarm/pkg/probe"
	"swarm/pkg/proc"
	"swarm/pkg/ralph"
	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

// logLines is how many iteration-log lines the detail pane shows.
const logLines = 5

// entry is one worker with whatever supervision it has.
type entry struct {
	Worker    worker.Worker    `json:"worker"`
	Heartbeat *heartbeat.State `json:"heartbeat,omitempty"`
	Ralph     *ralph.State     `json:"ralph,omitempty"`
	RalphLog  []string         `json:"ralph_log,omitempty"`
}

// snapshot is everything the dashboard draws in one frame.
type snapshot struct {
	TakenAt time.Time `json:"taken_at"`
	Entries []entry   `json:"entries"`
	Warning string    `json:"warning,omitempty"`
}

// source produces snapshots; the model never touches the stores directly.
type source interface {
	Snapshot(ctx context.Context, now time.Time) (snapshot, error)
}

// stateSource reads the swarm state directory and re-probes liveness, the
// same way swarm ls does.
type stateSource struct {
	workers    *worker.Store
	prober     *probe.Prober
	heartbeats *heartbeat.Store
	ralph      *ralph.Store
}

func newStateSource(cfg *config.Config) (*stateSource, error) {
	patterns, err := cfg.CompileReadyPatterns()
	if err != nil {
		return nil, err
	}
	return &stateSource{
		workers:    worker.NewStore(cfg.StateFile),
		prober:     probe.New(tmux.New(cfg.TmuxSocket, patterns), proc.OS{Grace: cfg.KillGrace}),
		heartbeats: heartbeat.NewStore(cfg.HeartbeatsDir),
		ralph:      ralph.NewStore(cfg.RalphDir),
	}, nil
}

// Snapshot implements source.
func (s *stateSource) Snapshot(ctx context.Context, now time.Time) (snapshot, error) {
	ws, warning, err := s.prober.Refresh(ctx, s.workers)
	if err != nil {
		return snapshot{}, fmt.Errorf("refresh workers: %w", err)
	}
	snap := snapshot{TakenAt: now, Warning: warning, Entries: make([]entry, 0, len(ws))}
	for _, w := range ws {
		e := entry{Worker: w}
		if hb, err := s.heartbeats.Load(w.Name); err == nil {
			e.Heartbeat = hb
		}
		if rl, err := s.ralph.Load(w.Name); err == nil && rl != nil {
			e.Ralph = rl
			e.RalphLog, _ = ralph.Tail(s.ralph.LogPath(w.Name), logLines)
		}
		snap.Entries = append(snap.Entries, e)
	}
	return snap, nil
}
