package probe

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

type fakePanes struct {
	windows map[string]bool
	err     error
}

func (f *fakePanes) WindowExists(_ context.Context, p tmux.Pane) (bool, error) {
	return f.windows[p.Target()], f.err
}

type fakeProcs map[int]bool

func (f fakeProcs) IsAlive(pid int) bool { return f[pid] }

func TestProbe(t *testing.T) {
	panes := &fakePanes{windows: map[string]bool{"s:up": true}}
	procs := fakeProcs{100: true}
	p := New(panes, procs)

	tests := []struct {
		name string
		w    worker.Worker
		want worker.Status
	}{
		{"pane alive", worker.Worker{Tmux: &tmux.Pane{Session: "s", Window: "up"}}, worker.StatusRunning},
		{"pane gone", worker.Worker{Tmux: &tmux.Pane{Session: "s", Window: "down"}}, worker.StatusStopped},
		{"pid alive", worker.Worker{PID: 100}, worker.StatusRunning},
		{"pid dead", worker.Worker{PID: 200}, worker.StatusStopped},
		{"no handle", worker.Worker{}, worker.StatusStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Probe(context.Background(), tt.w); got != tt.want {
				t.Errorf("Probe = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProbe_PaneErrorIsStopped(t *testing.T) {
	p := New(&fakePanes{windows: map[string]bool{"s:w": true}, err: errors.New("timeout")}, fakeProcs{})
	got := p.Probe(context.Background(), worker.Worker{Tmux: &tmux.Pane{Session: "s", Window: "w"}})
	if got != worker.StatusStopped {
		t.Fatalf("Probe = %s, want stopped", got)
	}
}

func TestRefresh_PersistsFlips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := worker.NewStore(path)
	for _, w := range []worker.Worker{
		{Name: "alive", Command: []string{"x"}, PID: 1, Status: worker.StatusStopped},
		{Name: "dead", Command: []string{"x"}, PID: 2, Status: worker.StatusRunning},
	} {
		if err := store.Add(w); err != nil {
			t.Fatal(err)
		}
	}

	p := New(&fakePanes{}, fakeProcs{1: true})
	ws, warn, err := p.Refresh(context.Background(), store)
	if err != nil || warn != "" {
		t.Fatalf("Refresh: warn=%q err=%v", warn, err)
	}
	got := map[string]worker.Status{}
	for _, w := range ws {
		got[w.Name] = w.Status
	}
	if got["alive"] != worker.StatusRunning || got["dead"] != worker.StatusStopped {
		t.Fatalf("statuses = %v", got)
	}

	fresh := worker.NewStore(path)
	if _, err := fresh.Load(); err != nil {
		t.Fatal(err)
	}
	if w, _ := fresh.Get("dead"); w.Status != worker.StatusStopped {
		t.Fatalf("flip not persisted: %s", w.Status)
	}
}
