package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual styling for the foreman dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme for foreman-dash.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// Styles are the pre-built lipgloss styles used by the views.
type Styles struct {
	Header lipgloss.Style
	Footer lipgloss.Style
	Badge  lipgloss.Style
	Muted  lipgloss.Style
}

// DefaultStyles builds the styles for a theme.
func DefaultStyles(theme Theme) Styles {
	return Styles{
		Header: lipgloss.NewStyle().Bold(true).Foreground(theme.Primary).Padding(0, 1),
		Footer: lipgloss.NewStyle().Foreground(theme.Muted).Padding(0, 1),
		Badge:  lipgloss.NewStyle().Bold(true),
		Muted:  lipgloss.NewStyle().Foreground(theme.Muted),
	}
}
