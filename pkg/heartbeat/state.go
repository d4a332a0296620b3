// Package heartbeat nudges idle tmux workers on a schedule. Each
// heartbeat is one small state file plus one detached monitor process.
package heartbeat

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Status of a heartbeat.
type Status string

// Heartbeat statuses. stopped and expired are terminal.
const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusExpired Status = "expired"
)

// Terminal reports whether the monitor for s should exit.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusExpired
}

// State is the persisted heartbeat for one worker.
type State struct {
	WorkerName      string     `json:"worker_name"`
	IntervalSeconds int64      `json:"interval_seconds"`
	ExpireAt        *time.Time `json:"expire_at,omitempty"`
	Message         string     `json:"message"`
	CreatedAt       time.Time  `json:"created_at"`
	LastBeatAt      *time.Time `json:"last_beat_at,omitempty"`
	BeatCount       int        `json:"beat_count"`
	Status          Status     `json:"status"`
	MonitorPID      int        `json:"monitor_pid,omitempty"`
}

// Interval returns the beat interval.
func (s State) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// NextBeatAt returns when the next nudge is due. Only active heartbeats
// have one.
func NextBeatAt(s State) (time.Time, bool) {
	if s.Status != StatusActive {
		return time.Time{}, false
	}
	base := s.CreatedAt
	if s.LastBeatAt != nil {
		base = *s.LastBeatAt
	}
	return base.Add(s.Interval()), true
}

var daysPrefix = regexp.MustCompile(`^(\d+)d(.*)$`)

// ParseDuration accepts Go durations ("4h", "90m"), bare integer seconds
// ("3600") and whole days, optionally followed by a Go duration ("2d",
// "1d12h"). The result must be positive.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if m := daysPrefix.FindStringSubmatch(s); m != nil {
		days, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", s, err)
		}
		d = time.Duration(days) * 24 * time.Hour
		if m[2] != "" {
			rest, err := time.ParseDuration(m[2])
			if err != nil {
				return 0, fmt.Errorf("duration %q: %w", s, err)
			}
			d += rest
		}
	} else {
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", s, err)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
