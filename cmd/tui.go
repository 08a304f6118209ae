package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/osteele/jobwatch/internal/tui"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive dashboard for watching and controlling jobs",
	Long: `Launch an interactive terminal dashboard.

The dashboard shows:
  - Top line: push channel status and server summary
  - Middle panel: job list with live status
  - Bottom panel: details or the live log of the highlighted job

Keyboard shortcuts:
  Up/Down    Navigate job list
  l/Enter    Toggle live log
  Space      Select job for bulk actions
  s / k / r  Start / stop / run job(s)
  x          Delete job(s), confirmed twice
  n          New job
  R          Reconnect after the push channel gave up
  Ctrl-C/q   Quit
  Ctrl-Z     Suspend (resume with 'fg')

Logs are written to a file while the dashboard runs (see log_file).`,
	RunE: runTUI,
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := interruptContext()
	defer cancel()
	a.serveMetrics(ctx)

	cache, err := a.openCache()
	if err != nil {
		// The dashboard works without a cache; it just starts empty
		a.log.Warn("cache unavailable", "error", err)
	} else {
		defer cache.Close()
	}

	s, err := a.newSyncer(cache, true)
	if err != nil {
		return err
	}
	if err := s.Connect(ctx); err != nil {
		a.log.Warn("initial pull failed", "error", err)
	}
	defer s.Close()

	opts := tui.DefaultModelOptions()
	opts.LogRefreshInterval = a.cfg.LogRefreshEvery()
	opts.ActionTimeout = a.cfg.Timeout()
	model := tui.NewModelWithOptions(s, opts)

	p := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	_, err = p.Run()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("run TUI: %w", err)
	}

	return nil
}
