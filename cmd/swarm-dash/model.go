package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"

	"swarm/pkg/worker"
)

// pollInterval is the refresh cadence when no file event arrives. Liveness
// flips (a pane closing) do not touch the state directory.
const pollInterval = 2 * time.Second

// tickMsg is sent by Bubble Tea on every poll interval.
type tickMsg time.Time

// snapshotMsg carries a fresh snapshot, or the error that prevented one.
type snapshotMsg struct {
	snap snapshot
	err  error
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(src source) tea.Cmd {
	return func() tea.Msg {
		snap, err := src.Snapshot(context.Background(), time.Now())
		return snapshotMsg{snap: snap, err: err}
	}
}

// Model is the Bubble Tea model for swarm-dash.
type Model struct {
	src     source
	watcher *fsnotify.Watcher

	snap     snapshot
	err      error
	loaded   bool
	selected int
	detail   bool

	keys   keyMap
	help   help.Model
	theme  Theme
	styles Styles

	width  int
	height int
	now    func() time.Time
}

// newModel creates a Model that reads from src and reloads on changes
// reported by watcher, which may be nil.
func newModel(src source, watcher *fsnotify.Watcher) Model {
	theme := DefaultTheme()
	return Model{
		src:     src,
		watcher: watcher,
		keys:    defaultKeyMap(),
		help:    newHelp(theme),
		theme:   theme,
		styles:  NewStyles(theme),
		now:     time.Now,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.src), tickCmd(), runWatcher(m.watcher))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case snapshotMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.selected = clamp(m.selected, len(m.snap.Entries))
		}

	case fsChangeMsg:
		return m, tea.Batch(fetchCmd(m.src), runWatcher(m.watcher))

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.src), tickCmd())
	}
	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}
	case key.Matches(msg, m.keys.Down):
		if m.selected < len(m.snap.Entries)-1 {
			m.selected++
		}
	case key.Matches(msg, m.keys.Detail):
		m.detail = !m.detail
	case key.Matches(msg, m.keys.Refresh):
		return m, fetchCmd(m.src)
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	now := m.now()
	var sb strings.Builder

	sb.WriteString(m.renderHeader())
	sb.WriteString("\n\n")

	switch {
	case m.err != nil:
		sb.WriteString(m.styles.Error.Render("error: " + m.err.Error()))
		sb.WriteString("\n")
	case !m.loaded:
		sb.WriteString(m.styles.Muted.Render("Loading..."))
		sb.WriteString("\n")
	default:
		sb.WriteString(renderWorkersTable(m.snap.Entries, m.selected, now, m.styles))
		if m.detail && m.selected < len(m.snap.Entries) {
			sb.WriteString("\n")
			sb.WriteString(renderDetail(m.snap.Entries[m.selected], now, m.styles))
			sb.WriteString("\n")
		}
	}
	if m.snap.Warning != "" {
		sb.WriteString(m.styles.Paused.Render("warning: " + m.snap.Warning))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(m.help.View(m.keys))
	return sb.String()
}

// renderHeader shows totals across all workers.
func (m Model) renderHeader() string {
	var running, loops, beats int
	for _, e := range m.snap.Entries {
		if e.Worker.Status == worker.StatusRunning {
			running++
		}
		if e.Ralph != nil && !e.Ralph.Status.Terminal() {
			loops++
		}
		if e.Heartbeat != nil && !e.Heartbeat.Status.Terminal() {
			beats++
		}
	}
	title := m.styles.Title.Render("swarm")
	stats := fmt.Sprintf("%d workers  %d running  %d ralph loops  %d heartbeats",
		len(m.snap.Entries), running, loops, beats)
	return title + "  " + m.styles.Muted.Render(stats)
}

func clamp(i, n int) int {
	switch {
	case n == 0:
		return 0
	case i >= n:
		return n - 1
	case i < 0:
		return 0
	}
	return i
}
