package main

import "github.com/charmbracelet/lipgloss"

// Shared hex colors for consistent theming across CLI output, picked for
// dark terminal backgrounds.
const (
	colorSuccess = lipgloss.Color("#10B981")
	colorError   = lipgloss.Color("#EF4444")
	colorWarning = lipgloss.Color("#F59E0B")
	colorMuted   = lipgloss.Color("#6B7280")
)

var (
	// titleStyle is for section headers in list output.
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true)

	// successStyle is for success messages and the enabled marker.
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)

	// errorStyle is for error messages.
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(colorError)

	// warningStyle is for the uncertain marker.
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)

	// mutedStyle is for descriptions and secondary text.
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
)
