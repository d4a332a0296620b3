// Package inactivity classifies a worker's terminal output as active or
// stably idle.
package inactivity

import (
	"fmt"
	"regexp"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Mode selects which idleness signal counts.
type Mode string

// Modes.
const (
	// ModeOutput: the pane has not changed for the timeout.
	ModeOutput Mode = "output"
	// ModeReady: a ready signature has been on screen for the timeout.
	ModeReady Mode = "ready"
	// ModeBoth: either of the above.
	ModeBoth Mode = "both"
)

// ParseMode validates s.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOutput, ModeReady, ModeBoth:
		return m, nil
	}
	return "", fmt.Errorf("unknown inactivity mode %q (want output, ready or both)", s)
}

// Result is what one observation says about the pane.
type Result struct {
	OutputIdle    bool // content unchanged for at least the timeout
	ReadyIdle     bool // a ready signature present for at least the timeout
	OutputChanged bool // content differs from the previous observation
	ReadyMissing  bool // no ready signature in this observation
	Inactive      bool // idle under the tracker's mode
}

// Tracker accumulates observations with reset-on-change semantics: a
// change in content restarts the output clock, and a poll without a ready
// signature restarts the ready clock.
type Tracker struct {
	mode     Mode
	timeout  time.Duration
	patterns []*regexp.Regexp

	seen      bool
	lastHash  uint64
	hashSince time.Time

	ready      bool
	readySince time.Time
}

// NewTracker creates a Tracker.
func NewTracker(mode Mode, timeout time.Duration, patterns []*regexp.Regexp) *Tracker {
	return &Tracker{mode: mode, timeout: timeout, patterns: patterns}
}

// Reset forgets all observations, e.g. after the worker was restarted.
func (t *Tracker) Reset() {
	t.seen = false
	t.ready = false
}

// Observe records one capture taken at now.
func (t *Tracker) Observe(content string, now time.Time) Result {
	var r Result

	h := xxhash.Sum64String(content)
	switch {
	case !t.seen:
		t.seen = true
		t.lastHash = h
		t.hashSince = now
	case h != t.lastHash:
		r.OutputChanged = true
		t.lastHash = h
		t.hashSince = now
	}
	r.OutputIdle = now.Sub(t.hashSince) >= t.timeout

	if t.matchesReady(content) {
		if !t.ready {
			t.ready = true
			t.readySince = now
		}
		r.ReadyIdle = now.Sub(t.readySince) >= t.timeout
	} else {
		t.ready = false
		r.ReadyMissing = true
	}

	switch t.mode {
	case ModeOutput:
		r.Inactive = r.OutputIdle
	case ModeReady:
		r.Inactive = r.ReadyIdle
	case ModeBoth:
		r.Inactive = r.OutputIdle || r.ReadyIdle
	}
	return r
}

func (t *Tracker) matchesReady(content string) bool {
	for _, re := range t.patterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}
