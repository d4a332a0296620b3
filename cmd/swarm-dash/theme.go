package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the colors of the swarm dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme for swarm-dash.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// Styles are the lipgloss styles derived from a Theme.
type Styles struct {
	Title    lipgloss.Style
	Header   lipgloss.Style
	Cell     lipgloss.Style
	Selected lipgloss.Style
	Running  lipgloss.Style
	Stopped  lipgloss.Style
	Paused   lipgloss.Style
	Muted    lipgloss.Style
	Error    lipgloss.Style
	Detail   lipgloss.Style
}

// NewStyles builds the dashboard styles from t.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Header:   lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Cell:     lipgloss.NewStyle(),
		Selected: lipgloss.NewStyle().Reverse(true),
		Running:  lipgloss.NewStyle().Foreground(t.Success),
		Stopped:  lipgloss.NewStyle().Foreground(t.Error),
		Paused:   lipgloss.NewStyle().Foreground(t.Warning),
		Muted:    lipgloss.NewStyle().Foreground(t.Muted),
		Error:    lipgloss.NewStyle().Foreground(t.Error).Bold(true),
		Detail: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Muted).
			Padding(0, 1),
	}
}
