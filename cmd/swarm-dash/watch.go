package main

import (
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// debounceDuration coalesces the burst of events one atomic state write
// produces (temp file create, write, rename).
const debounceDuration = 100 * time.Millisecond

// fsChangeMsg is sent when a watched state directory changes.
type fsChangeMsg struct{}

// initWatcher watches every existing directory in dirs. It returns nil when
// none can be watched; the dashboard then relies on its poll tick alone.
func initWatcher(dirs ...string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}
	watched := 0
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			log.Printf("fsnotify: failed to watch %s: %v", dir, err)
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = watcher.Close()
		return nil
	}
	return watcher
}

// runWatcher returns a tea.Cmd that blocks until a debounced change arrives.
// The model re-issues it after every fsChangeMsg.
func runWatcher(watcher *fsnotify.Watcher) tea.Cmd {
	if watcher == nil {
		return nil
	}
	return func() tea.Msg {
		debounceTimer := newDebounceTimer()
		defer debounceTimer.Stop()

		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				resetDebounceTimer(debounceTimer)

			case <-debounceTimer.C:
				return fsChangeMsg{}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Printf("fsnotify: watcher error: %v", err)
				return nil
			}
		}
	}
}

// newDebounceTimer creates a stopped timer.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
