package inactivity

import (
	"context"
	"regexp"
	"time"

	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

// DefaultPoll is the capture cadence used when none is configured.
const DefaultPoll = 500 * time.Millisecond

// Capturer reads a pane's rendered text.
type Capturer interface {
	CapturePane(ctx context.Context, p tmux.Pane) (string, error)
}

// Detector runs bounded inactivity checks against live panes.
type Detector struct {
	panes    Capturer
	patterns []*regexp.Regexp
	poll     time.Duration
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// NewDetector creates a Detector. poll <= 0 means DefaultPoll.
func NewDetector(panes Capturer, patterns []*regexp.Regexp, poll time.Duration) *Detector {
	if poll <= 0 {
		poll = DefaultPoll
	}
	return &Detector{
		panes:    panes,
		patterns: patterns,
		poll:     poll,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Detect watches w's pane and reports whether it stays idle for timeout
// under mode. It returns false as soon as idleness is disproved, when the
// worker has no pane, when a capture fails, or when ctx ends.
func (d *Detector) Detect(ctx context.Context, w worker.Worker, timeout time.Duration, mode Mode) bool {
	if w.Tmux == nil {
		return false
	}
	pane := *w.Tmux
	tr := NewTracker(mode, timeout, d.patterns)
	outputBroken, readyBroken := false, false

	for {
		content, err := d.panes.CapturePane(ctx, pane)
		if err != nil {
			return false
		}
		r := tr.Observe(content, d.now())

		switch mode {
		case ModeOutput:
			if r.OutputChanged {
				return false
			}
			if r.OutputIdle {
				return true
			}
		case ModeReady:
			if r.ReadyMissing {
				return false
			}
			if r.ReadyIdle {
				return true
			}
		case ModeBoth:
			outputBroken = outputBroken || r.OutputChanged
			readyBroken = readyBroken || r.ReadyMissing
			if outputBroken && readyBroken {
				return false
			}
			if (!outputBroken && r.OutputIdle) || (!readyBroken && r.ReadyIdle) {
				return true
			}
		default:
			return false
		}

		if err := d.sleep(ctx, d.poll); err != nil {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
