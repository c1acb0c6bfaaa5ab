// ABOUTME: Defines lipgloss style constants for the TUI layout panels, status colors, and log formatting.
// ABOUTME: Provides StyleForStatus and StatusIcon to map record statuses to their display form.
package tui

import (
	"github.com/2389-research/stepwise/pipeline"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Panel borders
	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	// Status colors
	PendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	RunningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	CompletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	FailedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	// Log colors
	LogTimestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	LogEventStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	LogErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	LogSuccessStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	LogRetryStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	// Detail panel labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(10)
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
)

// StyleForStatus returns the lipgloss style for a record status.
func StyleForStatus(status pipeline.Status) lipgloss.Style {
	switch status {
	case pipeline.StatusRunning:
		return RunningStyle
	case pipeline.StatusCompleted:
		return CompletedStyle
	case pipeline.StatusFailed:
		return FailedStyle
	default:
		return PendingStyle
	}
}

// StatusIcon returns a bracket-style status marker.
func StatusIcon(status pipeline.Status) string {
	switch status {
	case pipeline.StatusPending:
		return "[ ]"
	case pipeline.StatusRunning:
		return "[~]"
	case pipeline.StatusCompleted:
		return "[*]"
	case pipeline.StatusFailed:
		return "[!]"
	default:
		return "[?]"
	}
}

// SpinnerFrames are the Braille-dot frames shown beside the running step.
var SpinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
