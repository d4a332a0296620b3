package heartbeat

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"swarm/pkg/eventlog"
	"swarm/pkg/telemetry"
	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

// DefaultTick is how often a monitor wakes up.
const DefaultTick = 30 * time.Second

// Panes is the multiplexer surface a monitor needs.
type Panes interface {
	LastLine(ctx context.Context, p tmux.Pane) (string, error)
	SendText(ctx context.Context, p tmux.Pane, text string) error
}

// Prober reports a worker's live status.
type Prober interface {
	Probe(ctx context.Context, w worker.Worker) worker.Status
}

// MonitorDeps are the collaborators of a Monitor.
type MonitorDeps struct {
	States  *Store
	Workers *worker.Store
	Prober  Prober
	Panes   Panes
	Events  eventlog.Recorder
	Tracer  oteltrace.Tracer
	Logger  *log.Logger
	Tick    time.Duration
}

// Monitor is the loop run by `swarm heartbeat run NAME`.
type Monitor struct {
	name string
	d    MonitorDeps
	now  func() time.Time
}

// NewMonitor creates a Monitor for the named worker.
func NewMonitor(name string, d MonitorDeps) *Monitor {
	if d.Tick <= 0 {
		d.Tick = DefaultTick
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
	return &Monitor{name: name, d: d, now: time.Now}
}

// Run wakes every tick until the heartbeat is gone, stopped or expired, or
// ctx is cancelled. A cancelled context leaves the persisted status alone.
func (m *Monitor) Run(ctx context.Context) error {
	m.d.Logger.Printf("monitor started (tick %v)", m.d.Tick)
	ticker := time.NewTicker(m.d.Tick)
	defer ticker.Stop()
	for {
		if m.safeStep(ctx) {
			m.d.Logger.Printf("monitor exiting")
			return nil
		}
		select {
		case <-ctx.Done():
			m.d.Logger.Printf("signal received; monitor exiting")
			return nil
		case <-ticker.C:
		}
	}
}

// safeStep runs one step, converting a panic into a logged, non-fatal tick.
func (m *Monitor) safeStep(ctx context.Context) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			m.d.Logger.Printf("recovered panic in tick: %v", r)
			done = false
		}
	}()
	return m.step(ctx)
}

// step is one wake-up. It reports whether the monitor should exit.
func (m *Monitor) step(ctx context.Context) bool {
	st, err := m.d.States.Load(m.name)
	if err != nil {
		m.d.Logger.Printf("load state: %v", err)
		return false
	}
	if st == nil {
		m.d.Logger.Printf("state file gone")
		return true
	}
	if st.Status.Terminal() {
		m.d.Logger.Printf("status is %s", st.Status)
		return true
	}

	now := m.now().UTC()
	if st.ExpireAt != nil && !now.Before(*st.ExpireAt) {
		m.finish(ctx, StatusExpired, "heartbeat.expired", "expire_at passed")
		return true
	}
	if st.Status == StatusPaused {
		return false
	}
	due, _ := NextBeatAt(*st)
	if now.Before(due) {
		return false
	}

	if _, err := m.d.Workers.Load(); err != nil {
		m.d.Logger.Printf("load workers: %v", err)
		return false
	}
	w, ok := m.d.Workers.Get(m.name)
	if !ok || w.Tmux == nil || m.d.Prober.Probe(ctx, w) != worker.StatusRunning {
		m.finish(ctx, StatusStopped, "heartbeat.stopped", "worker not running")
		return true
	}

	m.beat(ctx, *st, *w.Tmux)
	return false
}

// beat injects the nudge unless the previous one is still sitting on the
// prompt line.
func (m *Monitor) beat(ctx context.Context, st State, pane tmux.Pane) {
	ctx, span := m.d.Tracer.Start(ctx, "heartbeat.beat", oteltrace.WithAttributes(
		telemetry.Worker(m.name),
		attribute.Int("swarm.heartbeat.beat_count", st.BeatCount),
	))

	if st.BeatCount > 0 {
		last, err := m.d.Panes.LastLine(ctx, pane)
		if err != nil {
			m.d.Logger.Printf("read last line: %v", err)
		} else if strings.Contains(last, st.Message) {
			m.d.Logger.Printf("previous nudge still pending; skipping")
			m.record(ctx, "heartbeat.skip", "reason=pending")
			span.SetAttributes(attribute.Bool("swarm.heartbeat.skipped", true))
			telemetry.End(span, nil)
			return
		}
	}

	if err := m.d.Panes.SendText(ctx, pane, st.Message); err != nil {
		m.d.Logger.Printf("nudge failed: %v", err)
		m.record(ctx, "heartbeat.fail", "error="+quote(err.Error()))
		telemetry.End(span, err)
		return
	}

	beatAt := m.now().UTC()
	updated, err := m.d.States.Update(m.name, func(s *State) (bool, error) {
		s.BeatCount++
		s.LastBeatAt = &beatAt
		return true, nil
	})
	if err != nil {
		m.d.Logger.Printf("record beat: %v", err)
		telemetry.End(span, err)
		return
	}
	m.d.Logger.Printf("beat %d sent", updated.BeatCount)
	m.record(ctx, "heartbeat.beat", fmt.Sprintf("beat_count=%d", updated.BeatCount))
	telemetry.End(span, nil)
}

// finish persists a terminal status, clears the monitor pid and unflags the
// worker. Only an active heartbeat is marked stopped, and only a live one
// expires; a status the operator set in the meantime stands.
func (m *Monitor) finish(ctx context.Context, status Status, event, reason string) {
	applied := false
	if _, err := m.d.States.Update(m.name, func(s *State) (bool, error) {
		if s.Status.Terminal() || (status == StatusStopped && s.Status != StatusActive) {
			return false, nil
		}
		s.Status = status
		s.MonitorPID = 0
		applied = true
		return true, nil
	}); err != nil {
		m.d.Logger.Printf("set %s: %v", status, err)
		return
	}
	if !applied {
		m.d.Logger.Printf("status changed concurrently; not setting %s", status)
		return
	}
	if _, err := m.d.Workers.Update(m.name, func(w *worker.Worker) { w.Metadata.Heartbeat = false }); err != nil {
		m.d.Logger.Printf("unflag worker: %v", err)
	}
	m.d.Logger.Printf("%s: %s", status, reason)
	m.record(ctx, event, "reason="+quote(reason))
}

func (m *Monitor) record(ctx context.Context, typ, payload string) {
	m.d.Events.Record(ctx, eventlog.Event{
		Type:    typ,
		Source:  "heartbeat",
		Worker:  m.name,
		Payload: payload,
	})
}

// quote wraps values so key=value payloads stay on one parseable line.
func quote(s string) string {
	if strings.ContainsAny(s, " \"=") || strings.IndexFunc(s, func(r rune) bool { return !strconv.IsPrint(r) }) >= 0 {
		return strconv.Quote(s)
	}
	return s
}
