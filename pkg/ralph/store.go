package ralph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"swarm/pkg/lockfile"
)

// ErrNotFound means the worker has no Ralph state.
var ErrNotFound = errors.New("ralph loop not found")

// Store reads and writes ralph/<name>/state.json under per-file locks.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the state file for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name, "state.json")
}

// LogPath returns the iteration log for name.
func (s *Store) LogPath(name string) string {
	return filepath.Join(s.dir, name, "iterations.log")
}

// Load returns the loop state for name, or nil when none exists.
func (s *Store) Load(name string) (*State, error) {
	var st State
	ok, err := lockfile.ReadJSON(s.Path(name), &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// Put writes st under its lock, replacing any existing state.
func (s *Store) Put(st State) error {
	path := s.Path(st.WorkerName)
	return lockfile.With(path, func() error {
		return lockfile.WriteJSON(path, st)
	})
}

// Update reloads name under its lock and applies fn, which reports whether
// it changed anything. A missing state is ErrNotFound.
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

// Delete removes name's state directory, iteration log included.
func (s *Store) Delete(name string) error {
	if err := os.RemoveAll(filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("remove ralph state for %s: %w", name, err)
	}
	return nil
}

// List returns every loop sorted by worker name. Unreadable entries are
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
		if !e.IsDir() {
			continue
		}
		st, err := s.Load(e.Name())
		if err != nil || st == nil {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerName < out[j].WorkerName })
	return out, nil
}
