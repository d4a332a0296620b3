package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"swarm/pkg/heartbeat"
	"swarm/pkg/ralph"
	"swarm/pkg/worker"
)

var (
	tableHeaders = []string{"Worker", "Status", "Handle", "Ralph", "Heartbeat", "Next beat", "Age"}
	tableWidths  = []int{20, 9, 24, 16, 10, 10, 6}
)

// renderEmptyWorkersState renders a message when nothing is registered.
func renderEmptyWorkersState(styles Styles) string {
	return styles.Muted.Render("No workers. Start one with: swarm spawn --name NAME -- COMMAND")
}

// renderWorkersTable renders the header, a rule and one row per entry.
func renderWorkersTable(entries []entry, selected int, now time.Time, styles Styles) string {
	if len(entries) == 0 {
		return renderEmptyWorkersState(styles)
	}

	var sb strings.Builder
	headerParts := make([]string, 0, len(tableHeaders))
	for i, h := range tableHeaders {
		headerParts = append(headerParts, styles.Header.Width(tableWidths[i]).Render(h))
	}
	sb.WriteString(strings.Join(headerParts, " "))
	sb.WriteString("\n")

	total := len(tableWidths) - 1
	for _, w := range tableWidths {
		total += w
	}
	sb.WriteString(styles.Muted.Render(strings.Repeat("─", total)))
	sb.WriteString("\n")

	for i, e := range entries {
		sb.WriteString(renderWorkerRow(e, i == selected, now, styles))
		sb.WriteString("\n")
	}
	return sb.String()
}

// rowCells returns the plain text of each column for e.
func rowCells(e entry, now time.Time) []string {
	w := e.Worker
	cells := []string{w.Name, string(w.Status), handle(w), "-", "-", "-", age(now.Sub(w.StartedAt))}
	if rl := e.Ralph; rl != nil {
		cells[3] = fmt.Sprintf("%s %d/%d", rl.Status, rl.CurrentIteration, rl.MaxIterations)
	}
	if hb := e.Heartbeat; hb != nil {
		cells[4] = string(hb.Status)
		if next, ok := heartbeat.NextBeatAt(*hb); ok {
			if d := next.Sub(now); d > 0 {
				cells[5] = "in " + age(d)
			} else {
				cells[5] = "due"
			}
		}
	}
	return cells
}

func renderWorkerRow(e entry, selected bool, now time.Time, styles Styles) string {
	cells := rowCells(e, now)
	parts := make([]string, len(cells))
	for i, c := range cells {
		style := styles.Cell
		switch i {
		case 1:
			style = statusStyle(c, styles)
		case 3, 4:
			style = loopStyle(c, styles)
		}
		if c == "-" {
			style = styles.Muted
		}
		parts[i] = style.Width(tableWidths[i]).Render(truncate(c, tableWidths[i]))
	}
	line := strings.Join(parts, " ")
	if selected {
		return styles.Selected.Render(line)
	}
	return line
}

func statusStyle(s string, styles Styles) lipgloss.Style {
	if s == string(worker.StatusRunning) {
		return styles.Running
	}
	return styles.Stopped
}

// loopStyle colors a ralph or heartbeat cell by its leading status word.
func loopStyle(s string, styles Styles) lipgloss.Style {
	word, _, _ := strings.Cut(s, " ")
	switch word {
	case string(ralph.StatusRunning), string(heartbeat.StatusActive):
		return styles.Running
	case string(ralph.StatusPaused):
		return styles.Paused
	case string(ralph.StatusFailed):
		return styles.Error
	default:
		return styles.Muted
	}
}

// renderDetail renders the selected worker's record and recent loop log.
func renderDetail(e entry, now time.Time, styles Styles) string {
	w := e.Worker
	lines := []string{
		styles.Title.Render(w.Name),
		"command:  " + strings.Join(w.Command, " "),
		"cwd:      " + w.WorkingDir,
		"started:  " + w.StartedAt.Local().Format(time.DateTime) + " (" + age(now.Sub(w.StartedAt)) + " ago)",
	}
	if tags := w.Tags.List(); len(tags) > 0 {
		lines = append(lines, "tags:     "+strings.Join(tags, ", "))
	}
	if w.Worktree != nil {
		lines = append(lines, fmt.Sprintf("worktree: %s (%s)", w.Worktree.Path, w.Worktree.Branch))
	}
	if hb := e.Heartbeat; hb != nil {
		lines = append(lines, fmt.Sprintf("heartbeat: %s every %s, %d beats", hb.Status, hb.Interval(), hb.BeatCount))
	}
	if rl := e.Ralph; rl != nil {
		lines = append(lines, fmt.Sprintf("ralph:    %s iteration %d/%d, %d failures (%d consecutive)",
			rl.Status, rl.CurrentIteration, rl.MaxIterations, rl.TotalFailures, rl.ConsecutiveFailures))
		for _, l := range e.RalphLog {
			lines = append(lines, styles.Muted.Render("  "+l))
		}
	}
	return styles.Detail.Render(strings.Join(lines, "\n"))
}

func handle(w worker.Worker) string {
	switch {
	case w.Tmux != nil:
		return w.Tmux.Target()
	case w.PID > 0:
		return fmt.Sprintf("pid %d", w.PID)
	default:
		return "-"
	}
}

// age formats d coarsely: 45s, 12m, 3h, 2d.
func age(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// truncate shortens s to width cells, marking the cut with an ellipsis.
func truncate(s string, width int) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r))+1 > width {
		r = r[:len(r)-1]
	}
	return string(r) + "…"
}
