// Package ralph runs the Ralph loop: it keeps restarting a tmux agent
// with the same prompt until a done pattern shows up, an iteration budget
// runs out, or the operator intervenes.
package ralph

import (
	"time"

	"swarm/pkg/inactivity"
)

// Status of a Ralph loop.
type Status string

// Loop statuses. stopped and failed are terminal.
const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no controller should ever run for s again.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// State is the persisted loop for one worker.
type State struct {
	WorkerName               string          `json:"worker_name"`
	RunID                    string          `json:"run_id"`
	PromptFile               string          `json:"prompt_file"`
	MaxIterations            int             `json:"max_iterations"`
	CurrentIteration         int             `json:"current_iteration"`
	Status                   Status          `json:"status"`
	StartedAt                time.Time       `json:"started_at"`
	LastIterationStartedAt   *time.Time      `json:"last_iteration_started_at,omitempty"`
	ConsecutiveFailures      int             `json:"consecutive_failures"`
	TotalFailures            int             `json:"total_failures"`
	DonePattern              string          `json:"done_pattern,omitempty"`
	InactivityTimeoutSeconds int             `json:"inactivity_timeout_seconds"`
	InactivityMode           inactivity.Mode `json:"inactivity_mode"`
	MonitorPID               int             `json:"monitor_pid,omitempty"`
}

// InactivityTimeout returns the idle threshold.
func (s State) InactivityTimeout() time.Duration {
	return time.Duration(s.InactivityTimeoutSeconds) * time.Second
}

// backoff is the sleep after the k-th consecutive spawn failure: 2^(k-1)s.
func backoff(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	return time.Duration(1<<(k-1)) * time.Second
}
