package ralph

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"swarm/pkg/probe"
	"swarm/pkg/protocol"
	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

type fakePanes struct {
	mu          sync.Mutex
	windows     map[string]bool
	content     string
	exitOnStart bool  // the agent exits as soon as its window opens
	newErr      error // NewWindow always fails
	spawns      int
	sent        []string
	kills       int
}

func newFakePanes() *fakePanes { return &fakePanes{windows: map[string]bool{}} }

func (f *fakePanes) NewWindow(_ context.Context, p tmux.Pane, _ string, _ map[string]string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return f.newErr
	}
	f.spawns++
	if !f.exitOnStart {
		f.windows[p.Target()] = true
	}
	return nil
}

func (f *fakePanes) WaitForReady(context.Context, tmux.Pane, time.Duration) error { return nil }

func (f *fakePanes) SendText(_ context.Context, _ tmux.Pane, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakePanes) CapturePane(_ context.Context, p tmux.Pane) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.windows[p.Target()] {
		return "", errors.New("can't find window")
	}
	return f.content, nil
}

func (f *fakePanes) KillWindow(_ context.Context, p tmux.Pane) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.windows[p.Target()] {
		f.kills++
		delete(f.windows, p.Target())
	}
	return nil
}

func (f *fakePanes) WindowExists(_ context.Context, p tmux.Pane) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows[p.Target()], nil
}

type fakeLauncher struct {
	nextPID  int
	detached [][]string
	alive    map[int]bool
	signals  map[int]syscall.Signal
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 7000, alive: map[int]bool{}, signals: map[int]syscall.Signal{}}
}

func (f *fakeLauncher) Detach(args []string, _ string) (int, error) {
	f.nextPID++
	f.detached = append(f.detached, args)
	f.alive[f.nextPID] = true
	return f.nextPID, nil
}

func (f *fakeLauncher) IsAlive(pid int) bool { return f.alive[pid] }

func (f *fakeLauncher) Signal(pid int, sig syscall.Signal) error {
	f.signals[pid] = sig
	f.alive[pid] = false
	return nil
}

type fixture struct {
	dir      string
	workers  *worker.Store
	states   *Store
	panes    *fakePanes
	launcher *fakeLauncher
	mgr      *Manager
	prompt   string

	clock  time.Time
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		workers:  worker.NewStore(filepath.Join(dir, "state.json")),
		states:   NewStore(filepath.Join(dir, "ralph")),
		panes:    newFakePanes(),
		launcher: newFakeLauncher(),
		prompt:   filepath.Join(dir, "PROMPT.md"),
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := os.WriteFile(f.prompt, []byte("fix the failing tests\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.mgr = NewManager(f.workers, f.states, f.launcher, nil, func(n string) string {
		return filepath.Join(dir, "logs", "ralph-"+n+".log")
	})
	f.mgr.now = f.now
	f.mgr.newRunID = func() string { return "run-1" }
	return f
}

func (f *fixture) now() time.Time { return f.clock }

func (f *fixture) sleep(_ context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	f.clock = f.clock.Add(d)
	return nil
}

func (f *fixture) start(t *testing.T, opts StartOptions) *State {
	t.Helper()
	if opts.Worker == "" {
		opts.Worker = "loop"
	}
	if opts.Command == nil {
		opts.Command = []string{"claude"}
	}
	if opts.PromptFile == "" {
		opts.PromptFile = f.prompt
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir = f.dir
	}
	opts.Foreground = true
	st, err := f.mgr.Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return st
}

func (f *fixture) controller(name string) *Controller {
	return NewController(name, ControllerDeps{
		States:  f.states,
		Workers: f.workers,
		Prober:  probe.New(f.panes, f.launcher),
		Panes:   f.panes,
		Logger:  log.New(io.Discard, "", 0),
		Poll:    time.Second,
		Sleep:   f.sleep,
		Now:     f.now,
	})
}

func (f *fixture) entries(t *testing.T, name string) []Entry {
	t.Helper()
	es, err := ReadLog(f.states.LogPath(name))
	if err != nil {
		t.Fatal(err)
	}
	return es
}

func kinds(es []Entry) []Kind {
	out := make([]Kind, 0, len(es))
	for _, e := range es {
		out = append(out, e.Kind)
	}
	return out
}

func TestRun_MaxIterationsOne(t *testing.T) {
	f := newFixture(t)
	f.panes.exitOnStart = true
	f.start(t, StartOptions{MaxIterations: 1})

	if err := f.controller("loop").Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st, _ := f.states.Load("loop")
	if st.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", st.Status)
	}
	if st.CurrentIteration != 1 {
		t.Errorf("current_iteration = %d, want 1", st.CurrentIteration)
	}
	if f.panes.spawns != 1 {
		t.Errorf("spawns = %d, want 1", f.panes.spawns)
	}
	if want := []string{"fix the failing tests"}; !slices.Equal(f.panes.sent, want) {
		t.Errorf("sent = %q, want %q", f.panes.sent, want)
	}

	es := f.entries(t, "loop")
	if got, want := kinds(es), []Kind{KindStart, KindEnd, KindDone}; !slices.Equal(got, want) {
		t.Fatalf("log kinds = %v, want %v", got, want)
	}
	if got := es[0].Get("iteration"); got != "1/1" {
		t.Errorf("START iteration = %q, want 1/1", got)
	}
	done := es[2]
	if done.Get("reason") != "max_iterations" || done.Get("total_iterations") != "1" {
		t.Errorf("DONE fields = %+v", done.Fields)
	}
}

func TestRun_SpawnFailuresBackOffThenFail(t *testing.T) {
	f := newFixture(t)
	f.panes.newErr = errors.New("no server running")
	f.start(t, StartOptions{MaxIterations: 10})

	err := f.controller("loop").Run(context.Background())
	var fe *protocol.FatalLoopError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FatalLoopError", err)
	}
	if fe.Reason != "spawn_failures" {
		t.Errorf("reason = %q", fe.Reason)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if !slices.Equal(f.sleeps, want) {
		t.Errorf("sleeps = %v, want %v", f.sleeps, want)
	}

	st, _ := f.states.Load("loop")
	if st.Status != StatusFailed {
		t.Errorf("status = %s, want failed", st.Status)
	}
	if st.ConsecutiveFailures != 5 || st.TotalFailures != 5 {
		t.Errorf("failures = %d/%d, want 5/5", st.ConsecutiveFailures, st.TotalFailures)
	}
	if st.CurrentIteration != 0 {
		t.Errorf("current_iteration = %d, want 0", st.CurrentIteration)
	}

	var fails []Entry
	for _, e := range f.entries(t, "loop") {
		if e.Kind == KindFail {
			fails = append(fails, e)
		}
	}
	if len(fails) != 5 {
		t.Fatalf("FAIL lines = %d, want 5", len(fails))
	}
	if fails[1].Get("attempt") != "2/5" || fails[1].Get("backoff") != "2s" {
		t.Errorf("second FAIL = %+v", fails[1].Fields)
	}
	if fails[4].Get("backoff") != "" {
		t.Errorf("final FAIL should not back off: %+v", fails[4].Fields)
	}
}

func TestRun_SuccessResetsConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	f.panes.exitOnStart = true
	f.start(t, StartOptions{MaxIterations: 2})
	if _, err := f.states.Update("loop", func(s *State) (bool, error) {
		s.ConsecutiveFailures = 3
		s.TotalFailures = 3
		return true, nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.controller("loop").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, _ := f.states.Load("loop")
	if st.ConsecutiveFailures != 0 || st.TotalFailures != 3 {
		t.Errorf("failures = %d/%d, want 0/3", st.ConsecutiveFailures, st.TotalFailures)
	}
	if st.CurrentIteration != 2 || f.panes.spawns != 2 {
		t.Errorf("iterations = %d spawns = %d, want 2/2", st.CurrentIteration, f.panes.spawns)
	}
}

func TestRun_InactivityTimeoutRestarts(t *testing.T) {
	f := newFixture(t)
	f.panes.content = "thinking..."
	f.start(t, StartOptions{MaxIterations: 1, InactivityTimeout: "3s"})

	if err := f.controller("loop").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.panes.kills != 1 {
		t.Errorf("kills = %d, want 1", f.panes.kills)
	}
	es := f.entries(t, "loop")
	if got, want := kinds(es), []Kind{KindStart, KindTimeout, KindDone}; !slices.Equal(got, want) {
		t.Fatalf("log kinds = %v, want %v", got, want)
	}
	w, _ := f.workers.Get("loop")
	if w.Status != worker.StatusStopped {
		t.Errorf("worker status = %s, want stopped", w.Status)
	}
}

func TestRun_DonePatternStops(t *testing.T) {
	f := newFixture(t)
	f.panes.content = "all tests pass\nRALPH_DONE\n"
	f.start(t, StartOptions{MaxIterations: 5, DonePattern: `RALPH_DONE`})

	if err := f.controller("loop").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, _ := f.states.Load("loop")
	if st.Status != StatusStopped || st.CurrentIteration != 1 {
		t.Errorf("state = %s iteration %d, want stopped at 1", st.Status, st.CurrentIteration)
	}
	es := f.entries(t, "loop")
	last := es[len(es)-1]
	if last.Kind != KindDone || last.Get("reason") != "done_pattern" {
		t.Errorf("last entry = %+v", last)
	}
}

func TestRun_DonePatternIgnoresEchoedPrompt(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.prompt, []byte("Fix the tests, then print RALPH_DONE.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.panes.content = "> Fix the tests, then print RALPH_DONE.\nthinking..."
	f.start(t, StartOptions{MaxIterations: 1, DonePattern: `RALPH_DONE`, InactivityTimeout: "3s"})

	if err := f.controller("loop").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	es := f.entries(t, "loop")
	if got, want := kinds(es), []Kind{KindStart, KindTimeout, KindDone}; !slices.Equal(got, want) {
		t.Fatalf("log kinds = %v, want %v", got, want)
	}
	if reason := es[len(es)-1].Get("reason"); reason != "max_iterations" {
		t.Errorf("done reason = %q, want max_iterations", reason)
	}
}

func TestDoneMatched(t *testing.T) {
	done := regexp.MustCompile(`RALPH_DONE`)
	prompt := "print RALPH_DONE when finished"
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"echo only", "> print RALPH_DONE when finished\nworking", false},
		{"echo and marker", "> print RALPH_DONE when finished\nok\nRALPH_DONE", true},
		{"marker without echo", "RALPH_DONE", true},
		{"nothing", "working", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := doneMatched(done, tt.content, prompt); got != tt.want {
				t.Errorf("doneMatched(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

func TestFinish_KeepsOperatorStatus(t *testing.T) {
	f := newFixture(t)
	f.start(t, StartOptions{MaxIterations: 3})
	for _, status := range []Status{StatusPaused, StatusStopped} {
		if _, err := f.states.Update("loop", func(s *State) (bool, error) {
			s.Status = status
			return true, nil
		}); err != nil {
			t.Fatal(err)
		}
		f.controller("loop").finish(StatusFailed)
		st, _ := f.states.Load("loop")
		if st.Status != status {
			t.Errorf("status = %s after finish, want %s kept", st.Status, status)
		}
	}
}

func TestRun_CancelledContextPauses(t *testing.T) {
	f := newFixture(t)
	f.start(t, StartOptions{MaxIterations: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.controller("loop").Run(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := f.states.Load("loop")
	if st.Status != StatusPaused {
		t.Errorf("status = %s, want paused", st.Status)
	}
	es := f.entries(t, "loop")
	if len(es) != 1 || es[0].Kind != KindPause || es[0].Get("reason") != "sigterm" {
		t.Errorf("log = %+v, want one PAUSE reason=sigterm", es)
	}
	if f.panes.spawns != 0 {
		t.Errorf("spawns = %d, want 0", f.panes.spawns)
	}
}

func TestRun_UnreadablePromptFails(t *testing.T) {
	f := newFixture(t)
	f.start(t, StartOptions{MaxIterations: 3})
	if err := os.Remove(f.prompt); err != nil {
		t.Fatal(err)
	}

	err := f.controller("loop").Run(context.Background())
	if !errors.Is(err, ErrPromptUnreadable) {
		t.Fatalf("err = %v, want ErrPromptUnreadable", err)
	}
	st, _ := f.states.Load("loop")
	if st.Status != StatusFailed {
		t.Errorf("status = %s, want failed", st.Status)
	}
}

func TestRun_ExitsWhenNotRunning(t *testing.T) {
	for _, status := range []Status{StatusPaused, StatusStopped, StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.start(t, StartOptions{MaxIterations: 3})
			if _, err := f.states.Update("loop", func(s *State) (bool, error) {
				s.Status = status
				return true, nil
			}); err != nil {
				t.Fatal(err)
			}
			if err := f.controller("loop").Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			if f.panes.spawns != 0 {
				t.Errorf("spawned a %s loop", status)
			}
		})
	}
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		opts  StartOptions
		field string
	}{
		{"no command", StartOptions{Worker: "a", PromptFile: f.prompt, MaxIterations: 1}, "command"},
		{"zero iterations", StartOptions{Worker: "a", Command: []string{"x"}, PromptFile: f.prompt}, "max_iterations"},
		{"missing prompt", StartOptions{Worker: "a", Command: []string{"x"}, PromptFile: filepath.Join(f.dir, "nope"), MaxIterations: 1}, "prompt_file"},
		{"bad pattern", StartOptions{Worker: "a", Command: []string{"x"}, PromptFile: f.prompt, MaxIterations: 1, DonePattern: "("}, "done_pattern"},
		{"bad timeout", StartOptions{Worker: "a", Command: []string{"x"}, PromptFile: f.prompt, MaxIterations: 1, InactivityTimeout: "soon"}, "inactivity_timeout"},
		{"bad mode", StartOptions{Worker: "a", Command: []string{"x"}, PromptFile: f.prompt, MaxIterations: 1, InactivityMode: "idle"}, "inactivity_mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Start(context.Background(), tt.opts)
			var ce *protocol.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("field = %q, want %q", ce.Field, tt.field)
			}
			if st, _ := f.states.Load("a"); st != nil {
				t.Error("state written despite validation failure")
			}
		})
	}
}

func TestStart_RegistersWorkerAndLaunches(t *testing.T) {
	f := newFixture(t)
	st, err := f.mgr.Start(context.Background(), StartOptions{
		Worker:        "loop",
		Command:       []string{"claude", "--continue"},
		PromptFile:    f.prompt,
		MaxIterations: 4,
		Session:       "work",
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.MonitorPID == 0 || len(f.launcher.detached) != 1 {
		t.Fatalf("controller not launched: pid=%d detached=%v", st.MonitorPID, f.launcher.detached)
	}
	if got := strings.Join(f.launcher.detached[0], " "); got != "ralph run loop" {
		t.Errorf("detached args = %q", got)
	}
	if st.InactivityMode != DefaultInactivityMode || st.InactivityTimeoutSeconds != 60 {
		t.Errorf("defaults = %s/%d", st.InactivityMode, st.InactivityTimeoutSeconds)
	}

	w, ok := f.workers.Get("loop")
	if !ok {
		t.Fatal("worker not registered")
	}
	if w.Status != worker.StatusStopped || w.Tmux == nil || w.Tmux.Session != "work" || w.Tmux.Window != "loop" {
		t.Errorf("worker = %+v", w)
	}
	if !w.Metadata.Ralph || w.Metadata.RunID != "run-1" {
		t.Errorf("metadata = %+v", w.Metadata)
	}

	if _, err := f.mgr.Start(context.Background(), StartOptions{
		Worker: "loop", Command: []string{"claude"}, PromptFile: f.prompt, MaxIterations: 1,
	}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start err = %v, want ErrAlreadyRunning", err)
	}
}

func TestStart_RefusesPlainWorker(t *testing.T) {
	f := newFixture(t)
	if err := f.workers.Add(worker.Worker{Name: "plain", Command: []string{"sleep", "9"}, PID: 42}); err != nil {
		t.Fatal(err)
	}
	_, err := f.mgr.Start(context.Background(), StartOptions{
		Worker: "plain", Command: []string{"claude"}, PromptFile: f.prompt, MaxIterations: 1,
	})
	if !errors.Is(err, worker.ErrWorkerExists) {
		t.Errorf("err = %v, want ErrWorkerExists", err)
	}
}

func TestPause_AlreadyPausedIsNoop(t *testing.T) {
	f := newFixture(t)
	f.start(t, StartOptions{MaxIterations: 3})
	ctx := context.Background()

	if w, err := f.mgr.Pause(ctx, "loop"); err != nil || w != "" {
		t.Fatalf("first pause = %q, %v", w, err)
	}
	before, _ := os.ReadFile(f.states.Path("loop"))
	w, err := f.mgr.Pause(ctx, "loop")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(w, "already paused") {
		t.Errorf("warning = %q", w)
	}
	after, _ := os.ReadFile(f.states.Path("loop"))
	if string(before) != string(after) {
		t.Error("second pause rewrote the state file")
	}
	if n := len(f.entries(t, "loop")); n != 1 {
		t.Errorf("log entries = %d, want 1 PAUSE", n)
	}
}

func TestResume_RelaunchesDeadController(t *testing.T) {
	f := newFixture(t)
	f.start(t, StartOptions{MaxIterations: 3})
	ctx := context.Background()
	if _, err := f.mgr.Pause(ctx, "loop"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.mgr.Resume(ctx, "loop"); err != nil {
		t.Fatal(err)
	}
	st, _ := f.states.Load("loop")
	if st.Status != StatusRunning {
		t.Errorf("status = %s, want running", st.Status)
	}
	if st.MonitorPID == 0 || len(f.launcher.detached) != 1 {
		t.Errorf("controller not relaunched: pid=%d", st.MonitorPID)
	}

	w, err := f.mgr.Resume(ctx, "loop")
	if err != nil || !strings.Contains(w, "already running") {
		t.Errorf("resume of running loop = %q, %v", w, err)
	}
	if len(f.launcher.detached) != 1 {
		t.Error("live controller relaunched")
	}
}

func TestResume_TerminalIsConfigError(t *testing.T) {
	f := newFixture(t)
	f.start(t, StartOptions{MaxIterations: 3})
	ctx := context.Background()
	if _, err := f.mgr.Stop(ctx, "loop"); err != nil {
		t.Fatal(err)
	}
	var ce *protocol.ConfigError
	if _, err := f.mgr.Resume(ctx, "loop"); !errors.As(err, &ce) {
		t.Errorf("err = %v, want ConfigError", err)
	}
}

func TestOnWorkerKilled(t *testing.T) {
	f := newFixture(t)
	f.start(t, StartOptions{MaxIterations: 3})
	ctx := context.Background()

	if err := f.mgr.OnWorkerKilled(ctx, "loop"); err != nil {
		t.Fatal(err)
	}
	st, _ := f.states.Load("loop")
	if st.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", st.Status)
	}
	es := f.entries(t, "loop")
	if len(es) != 1 || es[0].Kind != KindDone || es[0].Get("reason") != "killed" {
		t.Errorf("log = %+v", es)
	}

	if err := f.mgr.OnWorkerKilled(ctx, "loop"); err != nil {
		t.Fatal(err)
	}
	if n := len(f.entries(t, "loop")); n != 1 {
		t.Errorf("second kill logged again: %d entries", n)
	}
	if err := f.mgr.OnWorkerKilled(ctx, "nobody"); err != nil {
		t.Errorf("unknown worker: %v", err)
	}

	if err := f.controller("loop").Run(ctx); err != nil {
		t.Fatal(err)
	}
	if f.panes.spawns != 0 {
		t.Error("controller spawned after kill")
	}
}

func TestStop_SignalsController(t *testing.T) {
	f := newFixture(t)
	st, err := f.mgr.Start(context.Background(), StartOptions{
		Worker: "loop", Command: []string{"claude"}, PromptFile: f.prompt, MaxIterations: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Stop(context.Background(), "loop"); err != nil {
		t.Fatal(err)
	}
	if f.launcher.signals[st.MonitorPID] != syscall.SIGTERM {
		t.Errorf("controller %d not signalled", st.MonitorPID)
	}
	var ce *protocol.ConfigError
	if _, err := f.mgr.Stop(context.Background(), "ghost"); !errors.As(err, &ce) {
		t.Errorf("stop ghost err = %v, want ConfigError", err)
	}
}

func TestBackoff(t *testing.T) {
	for k, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 8 * time.Second} {
		if got := backoff(k); got != want {
			t.Errorf("backoff(%d) = %v, want %v", k, got, want)
		}
	}
}
