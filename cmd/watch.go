package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/syncer"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print job status changes as they happen",
	Long: `Follow the job service without the dashboard, printing a line for
every status change, server notification and connection change.

Live updates come over the push channel; while jobs are active the
listing is also polled. Press Ctrl-C to stop.

Examples:
  jobwatch watch
  jobwatch watch --no-stream    # Poll only`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchNoStream bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchNoStream, "no-stream", false, "Don't open the push channel")
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := interruptContext()
	defer cancel()
	a.serveMetrics(ctx)

	cache, err := a.openCache()
	if err != nil {
		a.log.Warn("cache unavailable", "error", err)
	} else {
		defer cache.Close()
	}
	s, err := a.newSyncer(cache, !watchNoStream)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	w := &watcher{
		out:      cmd.OutOrStdout(),
		statuses: make(map[string]lifecycle.Status),
		seen:     make(map[string]bool),
	}
	for {
		select {
		case err := <-done:
			return err
		case <-s.Updates():
			w.report(s)
		}
	}
}

// watcher prints the differences between successive syncer states
type watcher struct {
	out       io.Writer
	statuses  map[string]lifecycle.Status
	seen      map[string]bool
	connected bool
	failed    bool
	started   bool
}

func (w *watcher) report(s *syncer.Syncer) {
	now := time.Now().Format("15:04:05")

	for _, n := range s.Notifications() {
		key := n.Time.String() + n.Message
		if w.seen[key] {
			continue
		}
		w.seen[key] = true
		fmt.Fprintf(w.out, "%s [%s] %s\n", now, n.Kind, n.Message)
	}

	h := s.ConnectionHealth()
	if h.Streaming && (h.Connected != w.connected || h.Failed != w.failed) {
		switch {
		case h.Connected:
			fmt.Fprintf(w.out, "%s live updates connected\n", now)
		case h.Failed:
			fmt.Fprintf(w.out, "%s live updates failed after %d attempts\n", now, h.ReconnectAttempts)
		case w.connected:
			fmt.Fprintf(w.out, "%s live updates lost, reconnecting\n", now)
		}
		w.connected, w.failed = h.Connected, h.Failed
	}

	current := make(map[string]bool)
	for _, job := range s.Jobs() {
		current[job.ID] = true
		prev, known := w.statuses[job.ID]
		w.statuses[job.ID] = job.Status
		switch {
		case !known && w.started:
			fmt.Fprintf(w.out, "%s %s created (%s)\n", now, job.ID, job.Status)
		case known && prev != job.Status:
			fmt.Fprintf(w.out, "%s %s %s → %s\n", now, job.ID, prev, job.Status)
		}
	}
	for id := range w.statuses {
		if !current[id] {
			delete(w.statuses, id)
			fmt.Fprintf(w.out, "%s %s removed\n", now, id)
		}
	}
	// Jobs seen before the first pull are not reported as created
	if !w.started && !h.LastPull.IsZero() {
		fmt.Fprintf(w.out, "%s watching %d job(s), %d active\n", now, len(w.statuses), s.ActiveCount())
		w.started = true
	}
}
