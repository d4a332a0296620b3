package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"swarm/pkg/lockfile"
)

// stateFile is the on-disk shape of state.json.
type stateFile struct {
	Workers []*Worker `json:"workers"`
}

// Store is the in-memory view of the shared worker set. Every mutation
// takes the file lock, reloads, applies one change and writes the full set
// back, so concurrent processes never lose each other's updates.
type Store struct {
	path string
	now  func() time.Time
	warn func(string)

	mu      sync.RWMutex
	workers []*Worker
}

// NewStore returns a Store backed by path. Nothing is read until Load or
// the first mutation.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		now:  time.Now,
		warn: func(msg string) { log.Printf("warning: %s", msg) },
	}
}

// Path returns the backing state file.
func (s *Store) Path() string { return s.path }

// Load refreshes the snapshot from disk. A missing or empty file yields an
// empty set. A corrupt file is copied aside, the set is reset, and a single
// warning describing the backup is returned; that case is not an error.
func (s *Store) Load() (string, error) {
	var warning string
	err := lockfile.With(s.path, func() error {
		ws, w, err := s.read()
		if err != nil {
			return err
		}
		warning = w
		s.setSnapshot(ws)
		return nil
	})
	return warning, err
}

// List returns copies of all workers in insertion order.
func (s *Store) List() []Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Clone())
	}
	return out
}

// Get looks name up in the last loaded snapshot.
func (s *Store) Get(name string) (Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w.Name == name {
			return w.Clone(), true
		}
	}
	return Worker{}, false
}

// Add inserts w. A worker with the same name already on disk is
// ErrWorkerExists.
func (s *Store) Add(w Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.StartedAt.IsZero() {
		w.StartedAt = s.now().UTC()
	}
	if w.Status == "" {
		w.Status = StatusRunning
	}
	return s.mutate(func(ws []*Worker) ([]*Worker, bool, error) {
		for _, existing := range ws {
			if existing.Name == w.Name {
				return nil, false, fmt.Errorf("%w: %s", ErrWorkerExists, w.Name)
			}
		}
		c := w.Clone()
		return append(ws, &c), true, nil
	})
}

// Remove deletes name. It reports whether a worker was removed.
func (s *Store) Remove(name string) (bool, error) {
	var removed bool
	err := s.mutate(func(ws []*Worker) ([]*Worker, bool, error) {
		out := ws[:0]
		for _, w := range ws {
			if w.Name == name {
				removed = true
				continue
			}
			out = append(out, w)
		}
		return out, removed, nil
	})
	return removed, err
}

// Update applies fn to the named worker. A missing name is a no-op that
// reports false. fn must not change the worker's name.
func (s *Store) Update(name string, fn func(*Worker)) (bool, error) {
	var found bool
	err := s.mutate(func(ws []*Worker) ([]*Worker, bool, error) {
		for _, w := range ws {
			if w.Name == name {
				found = true
				fn(w)
				w.Name = name
				return ws, true, nil
			}
		}
		return ws, false, nil
	})
	return found, err
}

// Replace swaps the named record for w wholesale, or inserts it when absent.
// Used when a supervisor restarts a worker under the same name.
func (s *Store) Replace(w Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}
	return s.mutate(func(ws []*Worker) ([]*Worker, bool, error) {
		c := w.Clone()
		for i, existing := range ws {
			if existing.Name == w.Name {
				ws[i] = &c
				return ws, true, nil
			}
		}
		return append(ws, &c), true, nil
	})
}

// mutate runs the lock → reload → change → save cycle. apply reports
// whether anything changed; unchanged sets are not rewritten.
func (s *Store) mutate(apply func([]*Worker) ([]*Worker, bool, error)) error {
	return lockfile.With(s.path, func() error {
		ws, warning, err := s.read()
		if err != nil {
			return err
		}
		if warning != "" {
			s.warn(warning)
		}
		loaded := ws
		ws, changed, err := apply(ws)
		if err != nil {
			s.setSnapshot(loaded)
			return err
		}
		if ws == nil {
			ws = []*Worker{}
		}
		if changed {
			if err := lockfile.WriteJSON(s.path, stateFile{Workers: ws}); err != nil {
				return fmt.Errorf("save workers: %w", err)
			}
		}
		s.setSnapshot(ws)
		return nil
	})
}

// read loads the file. Callers hold the lock.
func (s *Store) read() ([]*Worker, string, error) {
	//nolint:gosec // path is the configured state file
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read state: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, "", nil
	}

	var sf stateFile
	decodeErr := json.Unmarshal(data, &sf)
	if decodeErr == nil {
		for _, w := range sf.Workers {
			if w == nil || w.Name == "" {
				decodeErr = errors.New("worker record without a name")
				break
			}
		}
	}
	if decodeErr == nil {
		return sf.Workers, "", nil
	}

	backup := s.path + ".corrupt-" + s.now().UTC().Format("20060102T150405.000Z")
	if err := os.WriteFile(backup, data, 0o600); err != nil {
		return nil, "", fmt.Errorf("back up corrupt state: %w", err)
	}
	if err := lockfile.WriteJSON(s.path, stateFile{Workers: []*Worker{}}); err != nil {
		return nil, "", fmt.Errorf("reset corrupt state: %w", err)
	}
	warning := fmt.Sprintf("state file %s was corrupt (%v); saved a copy to %s and started with no workers",
		s.path, decodeErr, backup)
	return nil, warning, nil
}

func (s *Store) setSnapshot(ws []*Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = ws
}
