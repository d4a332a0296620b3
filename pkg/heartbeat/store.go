package heartbeat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"swarm/pkg/lockfile"
)

// ErrNotFound means the worker has no heartbeat state file.
var ErrNotFound = errors.New("heartbeat not found")

// Store reads and writes heartbeats/<name>.json, each guarded by its own
// lock file.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the state file for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load returns the heartbeat for name, or nil when none exists.
func (s *Store) Load(name string) (*State, error) {
	var st State
	ok, err := lockfile.ReadJSON(s.Path(name), &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// Put writes st under its lock, replacing any existing heartbeat.
func (s *Store) Put(st State) error {
	path := s.Path(st.WorkerName)
	return lockfile.With(path, func() error {
		return lockfile.WriteJSON(path, st)
	})
}

// Update reloads name under its lock and applies fn. fn reports whether
// it changed anything; unchanged state is not rewritten. A missing
// heartbeat is ErrNotFound.
func (s *Store) Update(name string, fn func(*State) (bool, error)) (*State, error) {
	path := s.Path(name)
	var out *State
	err := lockfile.With(path, func() error {
		var st State
		ok, err := lockfile.ReadJSON(path, &st)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		changed, err := fn(&st)
		if err != nil {
			return err
		}
		if changed {
			if err := lockfile.WriteJSON(path, st); err != nil {
				return err
			}
		}
		out = &st
		return nil
	})
	return out, err
}

// Delete removes name's state and lock files.
func (s *Store) Delete(name string) error {
	path := s.Path(name)
	err := lockfile.With(path, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = os.Remove(path + ".lock")
	return nil
}

// List returns every heartbeat sorted by worker name. Unreadable files are
// skipped.
func (s *Store) List() ([]State, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.dir, err)
	}
	var out []State
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		st, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil || st == nil {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerName < out[j].WorkerName })
	return out, nil
}
