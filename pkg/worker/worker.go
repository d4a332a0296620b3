// Package worker defines the Worker record and the lock-guarded Store that
// persists the shared worker set.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"swarm/pkg/protocol"
	"swarm/pkg/tmux"
)

// Status is the cached liveness of a worker. The value on disk is only a
// cache; decisions re-probe.
type Status string

// Worker statuses.
const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Sentinel errors.
var (
	ErrWorkerExists = errors.New("worker already exists")
	ErrNotFound     = errors.New("worker not found")
)

// Worktree records the git worktree a worker was spawned into.
type Worktree struct {
	Path     string `json:"path"`
	Branch   string `json:"branch"`
	BaseRepo string `json:"base_repo"`
}

// Worker is one supervised process or tmux pane.
type Worker struct {
	Name        string            `json:"name"`
	Status      Status            `json:"status"`
	Command     []string          `json:"command"`
	StartedAt   time.Time         `json:"started_at"`
	WorkingDir  string            `json:"working_dir"`
	Environment map[string]string `json:"environment,omitempty"`
	Tags        Tags              `json:"tags"`
	PID         int               `json:"pid,omitempty"`
	Tmux        *tmux.Pane        `json:"tmux,omitempty"`
	Worktree    *Worktree         `json:"worktree,omitempty"`
	Metadata    Metadata          `json:"metadata"`
}

// IsTerminal reports whether the worker runs in a tmux pane.
func (w *Worker) IsTerminal() bool { return w.Tmux != nil }

// Validate checks the record invariants.
func (w *Worker) Validate() error {
	if err := protocol.ValidateWorkerName(w.Name); err != nil {
		return err
	}
	if len(w.Command) == 0 {
		return protocol.Configf("command", "worker %s has no command", w.Name)
	}
	switch {
	case w.Tmux != nil && w.PID != 0:
		return protocol.Configf("worker", "%s has both a pid and a tmux handle", w.Name)
	case w.Tmux != nil:
		if w.Tmux.Session == "" || w.Tmux.Window == "" {
			return protocol.Configf("tmux", "worker %s needs session and window", w.Name)
		}
	case w.PID <= 0 && w.Status == StatusRunning:
		return protocol.Configf("worker", "running worker %s has neither pid nor tmux handle", w.Name)
	}
	return nil
}

// Clone returns a deep copy.
func (w *Worker) Clone() Worker {
	c := *w
	c.Command = slices.Clone(w.Command)
	if w.Environment != nil {
		c.Environment = make(map[string]string, len(w.Environment))
		for k, v := range w.Environment {
			c.Environment[k] = v
		}
	}
	c.Tags = w.Tags.clone()
	if w.Tmux != nil {
		t := *w.Tmux
		c.Tmux = &t
	}
	if w.Worktree != nil {
		wt := *w.Worktree
		c.Worktree = &wt
	}
	c.Metadata = w.Metadata.clone()
	return c
}

// Tags is a set of labels. It serializes as a sorted JSON list.
type Tags map[string]struct{}

// NewTags builds a Tags set, dropping empty labels.
func NewTags(labels ...string) Tags {
	t := make(Tags, len(labels))
	for _, l := range labels {
		if l != "" {
			t[l] = struct{}{}
		}
	}
	return t
}

// Has reports whether label is in the set.
func (t Tags) Has(label string) bool {
	_, ok := t[label]
	return ok
}

// List returns the labels sorted.
func (t Tags) List() []string {
	out := make([]string, 0, len(t))
	for l := range t {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func (t Tags) clone() Tags {
	if t == nil {
		return nil
	}
	c := make(Tags, len(t))
	for l := range t {
		c[l] = struct{}{}
	}
	return c
}

// MarshalJSON implements json.Marshaler.
func (t Tags) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.List())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tags) UnmarshalJSON(data []byte) error {
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return fmt.Errorf("tags: %w", err)
	}
	*t = NewTags(labels...)
	return nil
}

// Metadata carries subsystem flags attached to a worker. Keys written by
// other tools are kept in Extra and written back unchanged.
type Metadata struct {
	Ralph     bool
	Heartbeat bool
	RunID     string
	Extra     map[string]json.RawMessage
}

var knownMetadataKeys = []string{"ralph", "heartbeat", "run_id"}

func (m Metadata) clone() Metadata {
	c := m
	if m.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = slices.Clone(v)
		}
	}
	return c
}

// MarshalJSON implements json.Marshaler.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Ralph {
		out["ralph"] = true
	}
	if m.Heartbeat {
		out["heartbeat"] = true
	}
	if m.RunID != "" {
		out["run_id"] = m.RunID
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	*m = Metadata{}
	if v, ok := raw["ralph"]; ok {
		if err := json.Unmarshal(v, &m.Ralph); err != nil {
			return fmt.Errorf("metadata.ralph: %w", err)
		}
	}
	if v, ok := raw["heartbeat"]; ok {
		if err := json.Unmarshal(v, &m.Heartbeat); err != nil {
			return fmt.Errorf("metadata.heartbeat: %w", err)
		}
	}
	if v, ok := raw["run_id"]; ok {
		if err := json.Unmarshal(v, &m.RunID); err != nil {
			return fmt.Errorf("metadata.run_id: %w", err)
		}
	}
	for _, k := range knownMetadataKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}
