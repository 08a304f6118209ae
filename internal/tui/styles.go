package tui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/osteele/jobwatch/internal/lifecycle"
)

var (
	// Colors
	runningColor   = lipgloss.Color("10") // Green
	completedColor = lipgloss.Color("8")  // Gray
	failedColor    = lipgloss.Color("9")  // Red
	pendingColor   = lipgloss.Color("11") // Yellow
	stoppedColor   = lipgloss.Color("6")  // Cyan
	selectedBg     = lipgloss.Color("4")  // Blue
	markedColor    = lipgloss.Color("13") // Magenta
	borderColor    = lipgloss.Color("8")  // Gray

	// Panel styles
	listPanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)

	logPanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)

	// Highlighted row
	selectedStyle = lipgloss.NewStyle().
			Background(selectedBg).
			Foreground(lipgloss.Color("15")).
			Bold(true)

	// Rows in the multi-selection
	markedStyle = lipgloss.NewStyle().
			Foreground(markedColor).
			Bold(true)

	// Status-based styles
	runningStyle = lipgloss.NewStyle().
			Foreground(runningColor)

	completedStyle = lipgloss.NewStyle().
			Foreground(completedColor)

	failedStyle = lipgloss.NewStyle().
			Foreground(failedColor)

	pendingStyle = lipgloss.NewStyle().
			Foreground(pendingColor)

	stoppedStyle = lipgloss.NewStyle().
			Foreground(stoppedColor)

	// Text styles
	headerStyle = lipgloss.NewStyle().
			Bold(true)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	syncingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	// Connection banner styles
	connectedStyle = lipgloss.NewStyle().
			Foreground(runningColor)

	reconnectingStyle = lipgloss.NewStyle().
				Foreground(pendingColor)

	disconnectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("124")).
				Bold(true).
				Padding(0, 1)
)

func styleForStatus(s lifecycle.Status) lipgloss.Style {
	switch s {
	case lifecycle.StatusRunning, lifecycle.StatusProcessing:
		return runningStyle
	case lifecycle.StatusCompleted:
		return completedStyle
	case lifecycle.StatusFailed, lifecycle.StatusCancelled:
		return failedStyle
	case lifecycle.StatusPending:
		return pendingStyle
	case lifecycle.StatusStopped:
		return stoppedStyle
	default:
		return lipgloss.NewStyle()
	}
}
