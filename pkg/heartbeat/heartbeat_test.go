package heartbeat

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"swarm/pkg/protocol"
	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

type fakeLauncher struct {
	nextPID  int
	detached [][]string
	alive    map[int]bool
	signals  map[int]syscall.Signal
	err      error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 4000, alive: map[int]bool{}, signals: map[int]syscall.Signal{}}
}

func (f *fakeLauncher) Detach(args []string, _ string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.nextPID++
	f.detached = append(f.detached, args)
	f.alive[f.nextPID] = true
	return f.nextPID, nil
}

func (f *fakeLauncher) IsAlive(pid int) bool { return f.alive[pid] }

func (f *fakeLauncher) Signal(pid int, sig syscall.Signal) error {
	f.signals[pid] = sig
	if sig == syscall.SIGTERM {
		f.alive[pid] = false
	}
	return nil
}

type fixture struct {
	workers  *worker.Store
	states   *Store
	launcher *fakeLauncher
	mgr      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		workers:  worker.NewStore(filepath.Join(dir, "state.json")),
		states:   NewStore(filepath.Join(dir, "heartbeats")),
		launcher: newFakeLauncher(),
	}
	f.mgr = NewManager(f.workers, f.states, f.launcher, func(n string) string {
		return filepath.Join(dir, "logs", "heartbeat-"+n+".log")
	})
	if err := f.workers.Add(worker.Worker{
		Name:    "agent",
		Command: []string{"claude"},
		Tmux:    &tmux.Pane{Session: "swarm", Window: "agent"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.workers.Add(worker.Worker{Name: "bg", Command: []string{"sleep", "1"}, PID: 99}); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestStart_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    StartOptions
		field   string
		wantErr error
	}{
		{"missing worker", StartOptions{Worker: "ghost", Interval: "1h"}, "worker", worker.ErrNotFound},
		{"process worker", StartOptions{Worker: "bg", Interval: "1h"}, "worker", ErrNotTerminal},
		{"bad interval", StartOptions{Worker: "agent", Interval: "often"}, "interval", nil},
		{"bad expire", StartOptions{Worker: "agent", Interval: "1h", Expire: "-1h"}, "expire", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.mgr.Start(context.Background(), tt.opts)
			var ce *protocol.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("field = %q, want %q", ce.Field, tt.field)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if st, _ := f.states.Load(tt.opts.Worker); st != nil {
				t.Error("state written despite validation failure")
			}
			if len(f.launcher.detached) != 0 {
				t.Error("monitor launched despite validation failure")
			}
		})
	}
}

func TestStart_LaunchesMonitorAndFlagsWorker(t *testing.T) {
	f := newFixture(t)
	st, err := f.mgr.Start(context.Background(), StartOptions{Worker: "agent", Interval: "4h", Expire: "1d"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.IntervalSeconds != 4*3600 || st.Message != DefaultMessage || st.ExpireAt == nil {
		t.Fatalf("state = %+v", st)
	}
	if len(f.launcher.detached) != 1 || strings.Join(f.launcher.detached[0], " ") != "heartbeat run agent" {
		t.Fatalf("detached = %v", f.launcher.detached)
	}
	persisted, _ := f.states.Load("agent")
	if persisted.MonitorPID != st.MonitorPID || persisted.MonitorPID == 0 {
		t.Fatalf("monitor pid = %d, want %d", persisted.MonitorPID, st.MonitorPID)
	}
	if w, _ := f.workers.Get("agent"); !w.Metadata.Heartbeat {
		t.Error("worker metadata.heartbeat not set")
	}
}

func TestStart_ExistingRequiresForce(t *testing.T) {
	f := newFixture(t)
	first, err := f.mgr.Start(context.Background(), StartOptions{Worker: "agent", Interval: "1h"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.mgr.Start(context.Background(), StartOptions{Worker: "agent", Interval: "2h"})
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("err = %v, want ErrAlreadyActive", err)
	}

	second, err := f.mgr.Start(context.Background(), StartOptions{Worker: "agent", Interval: "2h", Force: true})
	if err != nil {
		t.Fatalf("forced Start: %v", err)
	}
	if f.launcher.signals[first.MonitorPID] != syscall.SIGTERM {
		t.Error("old monitor not sent SIGTERM")
	}
	if second.MonitorPID == first.MonitorPID || second.IntervalSeconds != 7200 {
		t.Fatalf("second = %+v", second)
	}
}

func TestPause_AlreadyPausedIsNoopWithWarning(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.Start(context.Background(), StartOptions{Worker: "agent", Interval: "1h"}); err != nil {
		t.Fatal(err)
	}
	warn, err := f.mgr.Pause("agent")
	if err != nil || warn != "" {
		t.Fatalf("first Pause: warn=%q err=%v", warn, err)
	}
	before, _ := f.states.Load("agent")

	warn, err = f.mgr.Pause("agent")
	if err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	if warn == "" {
		t.Fatal("expected warning for already paused heartbeat")
	}
	after, _ := f.states.Load("agent")
	if after.Status != StatusPaused || *after != *before {
		t.Fatalf("state changed by no-op pause: %+v -> %+v", before, after)
	}
}

func TestResume_RelaunchesDeadMonitor(t *testing.T) {
	f := newFixture(t)
	st, err := f.mgr.Start(context.Background(), StartOptions{Worker: "agent", Interval: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Pause("agent"); err != nil {
		t.Fatal(err)
	}
	f.launcher.alive[st.MonitorPID] = false

	if _, err := f.mgr.Resume("agent"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, _ := f.states.Load("agent")
	if got.Status != StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if len(f.launcher.detached) != 2 || got.MonitorPID == st.MonitorPID {
		t.Fatalf("monitor not relaunched: detached=%v pid=%d", f.launcher.detached, got.MonitorPID)
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	st, err := f.mgr.Start(context.Background(), StartOptions{Worker: "agent", Interval: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	stopped, err := f.mgr.Stop("agent")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != StatusStopped || stopped.MonitorPID != 0 {
		t.Fatalf("stopped = %+v", stopped)
	}
	if f.launcher.signals[st.MonitorPID] != syscall.SIGTERM {
		t.Error("monitor not signalled")
	}
	if _, err := f.mgr.Stop("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stop(ghost) = %v, want ErrNotFound", err)
	}
}

// --- monitor ---

type fakePanes struct {
	last    string
	sent    []string
	sendErr error
}

func (p *fakePanes) LastLine(context.Context, tmux.Pane) (string, error) { return p.last, nil }

func (p *fakePanes) SendText(_ context.Context, _ tmux.Pane, text string) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, text)
	return nil
}

type fakeProber struct{ status worker.Status }

func (p fakeProber) Probe(context.Context, worker.Worker) worker.Status { return p.status }

func newTestMonitor(f *fixture, panes *fakePanes, status worker.Status, now time.Time) *Monitor {
	m := NewMonitor("agent", MonitorDeps{
		States:  f.states,
		Workers: f.workers,
		Prober:  fakeProber{status: status},
		Panes:   panes,
		Logger:  log.New(io.Discard, "", 0),
	})
	m.now = func() time.Time { return now }
	return m
}

func putState(t *testing.T, f *fixture, st State) {
	t.Helper()
	if err := f.states.Put(st); err != nil {
		t.Fatal(err)
	}
}

func TestMonitorStep(t *testing.T) {
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	expired := created.Add(30 * time.Minute)
	lastBeat := created.Add(time.Hour)

	tests := []struct {
		name       string
		state      State
		now        time.Time
		probe      worker.Status
		last       string
		wantDone   bool
		wantSent   int
		wantStatus Status
		wantBeats  int
	}{
		{
			name:       "not yet due",
			state:      State{WorkerName: "agent", IntervalSeconds: 3600, Message: "go on", CreatedAt: created, Status: StatusActive},
			now:        created.Add(59 * time.Minute),
			probe:      worker.StatusRunning,
			wantStatus: StatusActive,
		},
		{
			name:       "due beat",
			state:      State{WorkerName: "agent", IntervalSeconds: 3600, Message: "go on", CreatedAt: created, Status: StatusActive},
			now:        created.Add(time.Hour),
			probe:      worker.StatusRunning,
			wantSent:   1,
			wantStatus: StatusActive,
			wantBeats:  1,
		},
		{
			name:       "previous nudge pending",
			state:      State{WorkerName: "agent", IntervalSeconds: 3600, Message: "go on", CreatedAt: created, LastBeatAt: &lastBeat, BeatCount: 1, Status: StatusActive},
			now:        lastBeat.Add(2 * time.Hour),
			probe:      worker.StatusRunning,
			last:       "❯ go on",
			wantStatus: StatusActive,
			wantBeats:  1,
		},
		{
			name:       "paused",
			state:      State{WorkerName: "agent", IntervalSeconds: 60, Message: "go on", CreatedAt: created, Status: StatusPaused},
			now:        created.Add(time.Hour),
			probe:      worker.StatusRunning,
			wantStatus: StatusPaused,
		},
		{
			name:       "expired",
			state:      State{WorkerName: "agent", IntervalSeconds: 60, Message: "go on", CreatedAt: created, ExpireAt: &expired, Status: StatusActive},
			now:        expired,
			probe:      worker.StatusRunning,
			wantDone:   true,
			wantStatus: StatusExpired,
		},
		{
			name:       "worker gone",
			state:      State{WorkerName: "agent", IntervalSeconds: 60, Message: "go on", CreatedAt: created, Status: StatusActive},
			now:        created.Add(time.Hour),
			probe:      worker.StatusStopped,
			wantDone:   true,
			wantStatus: StatusStopped,
		},
		{
			name:       "already stopped",
			state:      State{WorkerName: "agent", IntervalSeconds: 60, Message: "go on", CreatedAt: created, Status: StatusStopped},
			now:        created.Add(time.Hour),
			probe:      worker.StatusRunning,
			wantDone:   true,
			wantStatus: StatusStopped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			putState(t, f, tt.state)
			panes := &fakePanes{last: tt.last}
			m := newTestMonitor(f, panes, tt.probe, tt.now)

			if done := m.step(context.Background()); done != tt.wantDone {
				t.Errorf("step done = %v, want %v", done, tt.wantDone)
			}
			if len(panes.sent) != tt.wantSent {
				t.Errorf("sent = %v, want %d nudges", panes.sent, tt.wantSent)
			}
			got, _ := f.states.Load("agent")
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.BeatCount != tt.wantBeats {
				t.Errorf("beat_count = %d, want %d", got.BeatCount, tt.wantBeats)
			}
		})
	}
}

func TestMonitorStep_WorkerGoneClearsFlag(t *testing.T) {
	f := newFixture(t)
	if _, err := f.workers.Update("agent", func(w *worker.Worker) { w.Metadata.Heartbeat = true }); err != nil {
		t.Fatal(err)
	}
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	putState(t, f, State{WorkerName: "agent", IntervalSeconds: 60, Message: "go", CreatedAt: created, Status: StatusActive, MonitorPID: 4242})
	m := newTestMonitor(f, &fakePanes{}, worker.StatusStopped, created.Add(time.Hour))

	if !m.step(context.Background()) {
		t.Fatal("monitor should exit once its worker is gone")
	}
	got, _ := f.states.Load("agent")
	if got.Status != StatusStopped || got.MonitorPID != 0 {
		t.Errorf("state = %s pid %d, want stopped pid 0", got.Status, got.MonitorPID)
	}
	if _, err := f.workers.Load(); err != nil {
		t.Fatal(err)
	}
	w, _ := f.workers.Get("agent")
	if w.Metadata.Heartbeat {
		t.Error("worker still flagged with a heartbeat")
	}
}

func TestMonitorFinish_KeepsOperatorStatus(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		finish  Status
		want    Status
	}{
		{"stop after operator stop", StatusStopped, StatusStopped, StatusStopped},
		{"expire after operator stop", StatusStopped, StatusExpired, StatusStopped},
		{"stop after operator pause", StatusPaused, StatusStopped, StatusPaused},
		{"expire paused", StatusPaused, StatusExpired, StatusExpired},
		{"stop active", StatusActive, StatusStopped, StatusStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if _, err := f.workers.Update("agent", func(w *worker.Worker) { w.Metadata.Heartbeat = true }); err != nil {
				t.Fatal(err)
			}
			now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
			putState(t, f, State{WorkerName: "agent", IntervalSeconds: 60, Message: "go", CreatedAt: now, Status: tt.current})
			m := newTestMonitor(f, &fakePanes{}, worker.StatusRunning, now)

			m.finish(context.Background(), tt.finish, "heartbeat.test", "test")

			got, _ := f.states.Load("agent")
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if _, err := f.workers.Load(); err != nil {
				t.Fatal(err)
			}
			w, _ := f.workers.Get("agent")
			if flagged := tt.want == tt.current; w.Metadata.Heartbeat != flagged {
				t.Errorf("metadata.heartbeat = %v, want %v", w.Metadata.Heartbeat, flagged)
			}
		})
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"worker not running", `"worker not running"`},
		{"a=b", `"a=b"`},
		{"line one\nline two", `"line one\nline two"`},
		{"cr\r", `"cr\r"`},
	}
	for _, tt := range tests {
		if got := quote(tt.in); got != tt.want {
			t.Errorf("quote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMonitorStep_MissingStateExits(t *testing.T) {
	f := newFixture(t)
	m := newTestMonitor(f, &fakePanes{}, worker.StatusRunning, time.Now())
	if !m.step(context.Background()) {
		t.Fatal("monitor should exit when its state file is gone")
	}
}

func TestMonitorStep_FailedNudgeIsLoggedOnly(t *testing.T) {
	f := newFixture(t)
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	putState(t, f, State{WorkerName: "agent", IntervalSeconds: 60, Message: "go", CreatedAt: created, Status: StatusActive})
	m := newTestMonitor(f, &fakePanes{sendErr: errors.New("pane busy")}, worker.StatusRunning, created.Add(time.Hour))

	if m.step(context.Background()) {
		t.Fatal("failed nudge should not end the monitor")
	}
	got, _ := f.states.Load("agent")
	if got.BeatCount != 0 || got.LastBeatAt != nil || got.Status != StatusActive {
		t.Fatalf("state after failed nudge = %+v", got)
	}
}

func TestMonitorRun_ExitsOnCancel(t *testing.T) {
	f := newFixture(t)
	created := time.Now().UTC()
	putState(t, f, State{WorkerName: "agent", IntervalSeconds: 3600, Message: "go", CreatedAt: created, Status: StatusActive})
	m := newTestMonitor(f, &fakePanes{}, worker.StatusRunning, created)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.states.Load("agent")
	if got.Status != StatusActive {
		t.Fatalf("cancel changed status to %s", got.Status)
	}
}
