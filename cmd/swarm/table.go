package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"swarm/pkg/heartbeat"
	"swarm/pkg/ralph"
	"swarm/pkg/worker"
)

// styles used by ls and status. Plain when stdout is not a terminal.
type styles struct {
	Header  lipgloss.Style
	Running lipgloss.Style
	Stopped lipgloss.Style
	Warn    lipgloss.Style
	Muted   lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{Header: plain, Running: plain, Stopped: plain, Warn: plain, Muted: plain}
	}
	return styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Running: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Stopped: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// row is one worker line of the ls table.
type row struct {
	name, status, handle, age, loop, heartbeat, tags string
}

func workerRow(w worker.Worker, hb *heartbeat.State, rl *ralph.State, now time.Time) row {
	r := row{
		name:      w.Name,
		status:    string(w.Status),
		handle:    handle(w),
		age:       humanAge(now.Sub(w.StartedAt)),
		loop:      "-",
		heartbeat: "-",
		tags:      strings.Join(w.Tags.List(), ","),
	}
	if r.tags == "" {
		r.tags = "-"
	}
	if rl != nil {
		r.loop = fmt.Sprintf("%s %d/%d", rl.Status, rl.CurrentIteration, rl.MaxIterations)
	}
	if hb != nil {
		r.heartbeat = string(hb.Status)
		if next, ok := heartbeat.NextBeatAt(*hb); ok {
			r.heartbeat += " in " + humanAge(next.Sub(now))
		}
	}
	return r
}

func handle(w worker.Worker) string {
	switch {
	case w.Tmux != nil:
		return "tmux " + w.Tmux.Target()
	case w.PID > 0:
		return fmt.Sprintf("pid %d", w.PID)
	default:
		return "-"
	}
}

// renderTable writes rows as aligned columns.
func renderTable(out io.Writer, rows []row, st styles) {
	headers := []string{"NAME", "STATUS", "HANDLE", "AGE", "RALPH", "HEARTBEAT", "TAGS"}
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, []string{r.name, r.status, r.handle, r.age, r.loop, r.heartbeat, r.tags})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, c := range cells {
		for i, v := range c {
			widths[i] = max(widths[i], lipgloss.Width(v))
		}
	}

	line := func(vals []string, style func(col int, v string) lipgloss.Style) string {
		parts := make([]string, len(vals))
		for i, v := range vals {
			pad := strings.Repeat(" ", widths[i]-lipgloss.Width(v))
			parts[i] = style(i, v).Render(v) + pad
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(out, line(headers, func(int, string) lipgloss.Style { return st.Header }))
	for _, c := range cells {
		fmt.Fprintln(out, line(c, func(col int, v string) lipgloss.Style {
			switch {
			case col == 1 && v == string(worker.StatusRunning):
				return st.Running
			case col == 1:
				return st.Stopped
			case v == "-":
				return st.Muted
			}
			return lipgloss.NewStyle()
		}))
	}
}

// humanAge formats d coarsely: 45s, 12m, 3h, 2d.
func humanAge(d time.Duration) string {
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
