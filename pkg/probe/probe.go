// Package probe answers whether a worker's process or pane is alive.
package probe

import (
	"context"
	"fmt"

	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

// Panes is the multiplexer query the prober needs.
type Panes interface {
	WindowExists(ctx context.Context, p tmux.Pane) (bool, error)
}

// Processes is the process-table query the prober needs.
type Processes interface {
	IsAlive(pid int) bool
}

// Prober is stateless; it never mutates what it probes.
type Prober struct {
	panes Panes
	procs Processes
}

// New creates a Prober.
func New(panes Panes, procs Processes) *Prober {
	return &Prober{panes: panes, procs: procs}
}

// Probe returns the live status of w. A pane query that fails counts as
// stopped.
func (p *Prober) Probe(ctx context.Context, w worker.Worker) worker.Status {
	switch {
	case w.Tmux != nil:
		ok, err := p.panes.WindowExists(ctx, *w.Tmux)
		if err != nil || !ok {
			return worker.StatusStopped
		}
		return worker.StatusRunning
	case w.PID > 0:
		if p.procs.IsAlive(w.PID) {
			return worker.StatusRunning
		}
		return worker.StatusStopped
	default:
		return worker.StatusStopped
	}
}

// Refresh reloads the store, re-probes every worker and persists status
// flips. It returns the refreshed set and any load warning.
func (p *Prober) Refresh(ctx context.Context, store *worker.Store) ([]worker.Worker, string, error) {
	warning, err := store.Load()
	if err != nil {
		return nil, warning, fmt.Errorf("load workers: %w", err)
	}
	for _, w := range store.List() {
		live := p.Probe(ctx, w)
		if live == w.Status {
			continue
		}
		if _, err := store.Update(w.Name, func(cur *worker.Worker) { cur.Status = live }); err != nil {
			return nil, warning, fmt.Errorf("update %s: %w", w.Name, err)
		}
	}
	return store.List(), warning, nil
}
