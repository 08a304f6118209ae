package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/store"
)

// View renders the UI
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	// Calculate panel heights
	listHeight := int(float64(m.height) * 0.5)
	detailHeight := int(float64(m.height) * 0.35)

	mainView := lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderBanner(),
		m.renderJobList(listHeight),
		m.renderLogPanel(detailHeight),
		m.renderFlash(),
		m.renderStatusBar(),
	)

	if m.showHelp {
		return m.renderHelpOverlay()
	}
	if m.confirm != nil {
		return m.renderWithModal(m.confirmText())
	}
	if m.creatingJob {
		return m.renderWithModal("Creating job...")
	}
	if m.inputMode {
		return m.renderInputForm()
	}
	return mainView
}

// renderBanner shows the push channel status. A failed channel only comes
// back through a manual reload.
func (m Model) renderBanner() string {
	h := m.health
	var status string
	switch {
	case !h.Streaming:
		status = dimStyle.Render("○ polling only")
	case h.Failed:
		text := fmt.Sprintf("Disconnected from server after %d attempts", h.ReconnectAttempts)
		if h.LastError != "" {
			text += ": " + h.LastError
		}
		status = disconnectedStyle.Render(text + ". Press R to reload.")
	case h.Connected:
		status = connectedStyle.Render("● live")
	default:
		text := "◐ connecting"
		if h.ReconnectAttempts > 0 {
			text = fmt.Sprintf("◐ reconnecting (attempt %d)", h.ReconnectAttempts)
			if !h.NextRetry.IsZero() {
				if wait := h.NextRetry.Sub(m.now()); wait > 0 {
					text += fmt.Sprintf(" in %s", formatDuration(wait))
				}
			}
		}
		status = reconnectingStyle.Render(text)
	}

	if h.LastPullError != "" {
		status += "  " + errorStyle.Render("pull failed: "+h.LastPullError)
	}
	if stats, ok := m.backend.SystemStats(); ok {
		status += "  " + dimStyle.Render(fmt.Sprintf("server: %d running, %d done today, %d failed today",
			stats.Jobs.Running, stats.Jobs.CompletedToday, stats.Jobs.FailedToday))
	}
	return " " + status
}

func (m Model) renderJobList(height int) string {
	var rows []string

	header := fmt.Sprintf("   %-8s %-12s %-24s %-12s %s",
		"ID", "STATUS", "TARGETS", "STARTED", "PROGRESS")
	rows = append(rows, headerStyle.Render(header))

	sel := m.backend.JobSelection()
	contentHeight := height - 4 // Account for borders and header

	// Scroll so the highlighted row stays visible
	first := 0
	if contentHeight > 0 && m.selectedIndex >= contentHeight {
		first = m.selectedIndex - contentHeight + 1
	}
	for i := first; i < len(m.jobs) && i-first < contentHeight; i++ {
		job := m.jobs[i]
		mark := " "
		if sel.Has(job.ID) {
			mark = "*"
		}
		line := fmt.Sprintf(" %s %-8s %-12s %-24s %-12s %s",
			mark, shortID(job.ID), formatStatus(job.Status),
			truncate(strings.Join(job.Target.Usernames, ","), 24),
			formatTime(job.StartedAt, m.now()), formatProgress(job.Stats))

		switch {
		case i == m.selectedIndex:
			line = selectedStyle.Width(m.width - 4).Render(line)
		case sel.Has(job.ID):
			line = markedStyle.Render(line)
		default:
			line = styleForStatus(job.Status).Render(line)
		}
		rows = append(rows, line)
	}
	if len(m.jobs) == 0 {
		rows = append(rows, dimStyle.Render(" No jobs"))
	}

	content := strings.Join(rows, "\n")
	return listPanelStyle.Width(m.width - 2).Height(height).Render(content)
}

func (m Model) renderLogPanel(height int) string {
	if m.logJobID != "" {
		return m.renderLogsOnly(height)
	}
	return m.renderJobDetails(height)
}

func (m Model) renderLogsOnly(height int) string {
	lines := m.backend.LogLines(m.logJobID)
	var content string

	switch {
	case m.logError != "":
		content = errorStyle.Render("Error: " + m.logError)
	case m.logLoading && len(lines) == 0:
		content = dimStyle.Render("Loading logs...")
	case len(lines) == 0:
		content = dimStyle.Render("No log content available")
	default:
		// Take last N lines that fit
		maxLines := height - 4
		if maxLines > 0 && len(lines) > maxLines {
			lines = lines[len(lines)-maxLines:]
		}
		content = strings.Join(lines, "\n")
	}

	title := fmt.Sprintf("Logs: Job %s", m.logJobID)
	if job, ok := m.findJob(m.logJobID); ok {
		title += " (" + string(job.Status) + ")"
	}
	panelContent := titleStyle.Render(title) + "\n" + content
	return logPanelStyle.Width(m.width - 2).Height(height).Render(panelContent)
}

func (m Model) renderJobDetails(height int) string {
	job := m.getTargetJob()
	if job == nil {
		panelContent := titleStyle.Render("Details") + "\n" + dimStyle.Render("No jobs to display")
		return logPanelStyle.Width(m.width - 2).Height(height).Render(panelContent)
	}

	now := m.now()
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s\n", job.ID)
	fmt.Fprintf(&b, "Status:   %s\n", formatStatus(job.Status))
	fmt.Fprintf(&b, "Targets:  %s\n", strings.Join(job.Target.Usernames, ", "))
	if job.Target.MaxTweets != nil {
		fmt.Fprintf(&b, "Max:      %d tweets\n", *job.Target.MaxTweets)
	}
	if job.Target.ScraperAccount != "" {
		fmt.Fprintf(&b, "Account:  %s\n", job.Target.ScraperAccount)
	}
	if job.CreatedAt != nil {
		fmt.Fprintf(&b, "Created:  %s (%s)\n", job.CreatedAt.Local().Format("2006-01-02 15:04:05"), formatTime(job.CreatedAt, now))
	}
	if job.StartedAt != nil {
		fmt.Fprintf(&b, "Started:  %s\n", job.StartedAt.Local().Format("2006-01-02 15:04:05"))
		if job.CompletedAt != nil {
			fmt.Fprintf(&b, "Ended:    %s\n", job.CompletedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(&b, "Duration: %s\n", formatDuration(job.Duration(now)))
		} else {
			fmt.Fprintf(&b, "Elapsed:  %s\n", formatDuration(job.Duration(now)))
		}
	}
	s := job.Stats
	fmt.Fprintf(&b, "Progress: %d tweets, %d articles, %d media, %d errors\n",
		s.TweetsCollected, s.ArticlesExtracted, s.MediaDownloaded, s.ErrorsCount)
	for _, e := range job.Errors {
		b.WriteString(errorStyle.Render("Error:    "+e) + "\n")
	}

	var actions []string
	for _, a := range lifecycle.Actions(job.Status) {
		actions = append(actions, string(a))
	}
	if len(actions) == 0 {
		actions = []string{"none"}
	}
	b.WriteString(dimStyle.Render("Actions:  " + strings.Join(actions, ", ")))

	panelContent := titleStyle.Render("Details") + "\n" + b.String()
	return logPanelStyle.Width(m.width - 2).Height(height).Render(panelContent)
}

func (m Model) renderWithModal(message string) string {
	modalStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 3).
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("229"))

	modal := modalStyle.Render(message)

	return lipgloss.Place(
		m.width, m.height,
		lipgloss.Center, lipgloss.Center,
		modal,
		lipgloss.WithWhitespaceChars(" "),
		lipgloss.WithWhitespaceForeground(lipgloss.Color("237")),
	)
}

func (m Model) confirmText() string {
	b := m.confirm.batch
	ids := make([]string, 0, len(b.IDs))
	for _, id := range b.IDs {
		ids = append(ids, shortID(id))
	}
	list := strings.Join(ids, ", ")
	if len(ids) > 5 {
		list = strings.Join(ids[:5], ", ") + fmt.Sprintf(" and %d more", len(ids)-5)
	}
	if b.Remaining() > 1 {
		return fmt.Sprintf("Delete %d job(s)?\n\n%s\n\nPress y to continue, any other key to cancel", len(b.IDs), list)
	}
	return fmt.Sprintf("This permanently deletes %d job(s) and their logs.\n\nPress y again to delete, any other key to cancel", len(b.IDs))
}

func (m Model) renderHelpOverlay() string {
	modalStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(54)

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true).Width(12) // Cyan, bold
	descStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("255"))                    // Bright white

	var b strings.Builder
	b.WriteString(titleStyle.Render("Keyboard Shortcuts"))
	b.WriteString("\n\n")

	sections := []struct {
		title     string
		shortcuts []struct{ key, desc string }
	}{
		{"Jobs", []struct{ key, desc string }{
			{"↑/↓", "Navigate job list"},
			{"l / Enter", "Toggle live log"},
			{"space", "Select job for bulk actions"},
			{"a", "Select or clear all jobs"},
			{"s", "Start job(s)"},
			{"k", "Stop running job(s)"},
			{"r", "Run job(s)"},
			{"x", "Delete job(s), asks twice"},
			{"n", "New job"},
			{"Esc", "Clear selection/messages"},
		}},
		{"Connection", []struct{ key, desc string }{
			{"p", "Pull job list now"},
			{"R", "Reconnect after disconnect"},
		}},
		{"General", []struct{ key, desc string }{
			{"?", "Show/hide this help"},
			{"q", "Quit"},
			{"Ctrl+Z", "Suspend (fg to resume)"},
		}},
	}
	for i, sec := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(titleStyle.Render(sec.title))
		b.WriteString("\n")
		for _, s := range sec.shortcuts {
			b.WriteString(keyStyle.Render(s.key))
			b.WriteString(descStyle.Render(s.desc))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Render("Press ? or Esc to close"))

	return lipgloss.Place(
		m.width, m.height,
		lipgloss.Center, lipgloss.Center,
		modalStyle.Render(b.String()),
	)
}

func (m Model) renderInputForm() string {
	modalStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(60)

	labelStyle := lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("245"))
	focusedLabelStyle := lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("69")).Bold(true)

	var b strings.Builder
	b.WriteString("New Job\n\n")

	labels := []string{"Targets:", "Max tweets:", "Account:"}
	for i, input := range m.inputs {
		label := labelStyle
		if i == m.inputFocus {
			label = focusedLabelStyle
		}
		b.WriteString(label.Render(labels[i]))
		b.WriteString(input.View())
		b.WriteString("\n\n")
	}

	b.WriteString("\n")
	helpText := "Tab: next field • Enter: create job • Esc: cancel"
	if m.flashIsError && m.flashMessage != "" {
		helpText = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render(m.flashMessage)
	}
	b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(helpText))

	return lipgloss.Place(
		m.width, m.height,
		lipgloss.Center, lipgloss.Center,
		modalStyle.Render(b.String()),
		lipgloss.WithWhitespaceChars(" "),
		lipgloss.WithWhitespaceForeground(lipgloss.Color("237")),
	)
}

func (m Model) renderFlash() string {
	if m.flashMessage == "" {
		return ""
	}

	var style lipgloss.Style
	if m.flashIsError {
		style = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).  // White text
			Background(lipgloss.Color("124")). // Dark red background
			Bold(true).
			Padding(0, 1)
	} else {
		style = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).  // White text
			Background(lipgloss.Color("240")). // Dark gray background
			Padding(0, 1)
	}

	return " " + style.Render(m.flashMessage)
}

func (m Model) renderStatusBar() string {
	help := helpStyle.Render("?:help q:quit ↑/↓:nav l:logs space:select s:start k:stop r:run x:delete n:new p:pull")

	var left []string
	if m.health.Polling {
		left = append(left, syncingStyle.Render("⟳ polling"))
	}
	if n := m.backend.JobSelection().Len(); n > 0 {
		left = append(left, markedStyle.Render(fmt.Sprintf("%d selected", n)))
	}
	prefix := strings.Join(left, " ")

	// Right-align the help text
	gap := m.width - lipgloss.Width(prefix) - lipgloss.Width(help) - 2
	if gap < 1 {
		gap = 1
	}
	return " " + prefix + strings.Repeat(" ", gap) + help
}

func formatStatus(s lifecycle.Status) string {
	switch s {
	case lifecycle.StatusRunning, lifecycle.StatusProcessing:
		return "● " + string(s)
	case lifecycle.StatusCompleted:
		return "✓ done"
	case lifecycle.StatusFailed:
		return "✗ failed"
	case lifecycle.StatusCancelled:
		return "✗ cancelled"
	case lifecycle.StatusPending:
		return "○ pending"
	case lifecycle.StatusStopped:
		return "◆ stopped"
	case "":
		return "?"
	default:
		return "? " + string(s)
	}
}

func formatProgress(s store.Stats) string {
	if s.TweetsCollected == 0 && s.ArticlesExtracted == 0 {
		return ""
	}
	return fmt.Sprintf("%d tweets, %d articles", s.TweetsCollected, s.ArticlesExtracted)
}

// formatDuration formats a duration in a human-readable form
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// formatTime formats a time as relative ("2h ago") for recent times or as
// absolute ("01/02 15:04") for older ones
func formatTime(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	elapsed := now.Sub(*t)

	if elapsed < 12*time.Hour {
		if elapsed < time.Minute {
			return "just now"
		} else if elapsed < time.Hour {
			return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
		}
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	}
	return t.Local().Format("01/02 15:04")
}
