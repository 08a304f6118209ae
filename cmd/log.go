package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/osteele/jobwatch/internal/db"
	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/syncer"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:     "log <job-id>",
	Aliases: []string{"logs"},
	Short:   "View log output from a job",
	Long: `View the log of a job.

Lines are fetched incrementally: following a log only asks the server
for lines after the last one seen.

Examples:
  jobwatch log 3f2a                 # Last 50 lines
  jobwatch log 3f2a -f              # Follow until the job finishes
  jobwatch log 3f2a -n 200          # Last 200 lines
  jobwatch log 3f2a --offline       # Lines saved by an earlier session`,
	Args: cobra.ExactArgs(1),
	RunE: runLog,
}

var (
	logFollow  bool
	logLines   int
	logOffline bool
)

func init() {
	rootCmd.AddCommand(logCmd)

	logCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Follow log in real-time")
	logCmd.Flags().IntVarP(&logLines, "lines", "n", 50, "Number of lines to show (0 for all)")
	logCmd.Flags().BoolVar(&logOffline, "offline", false, "Print the cached log without contacting the server")
}

func runLog(cmd *cobra.Command, args []string) error {
	id := args[0]
	out := cmd.OutOrStdout()

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	cache, err := a.openCache()
	if err != nil {
		if logOffline {
			return err
		}
		a.log.Warn("cache unavailable", "error", err)
	} else {
		defer cache.Close()
	}

	if logOffline {
		c, ok, err := db.LoadCursor(cache, id)
		if err != nil {
			return fmt.Errorf("load cached log: %w", err)
		}
		if !ok {
			return fmt.Errorf("no cached log for job %s", id)
		}
		printTail(out, c.Lines, logLines)
		return nil
	}

	s, err := a.newSyncer(cache, false)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := interruptContext()
	defer cancel()

	s.OpenLog(id)
	if err := fetchLog(ctx, s, id, a.cfg.Timeout()); err != nil {
		return err
	}
	lines := s.LogLines(id)
	printTail(out, lines, logLines)
	if !logFollow {
		return nil
	}

	printed := len(lines)
	ticker := time.NewTicker(a.cfg.LogRefreshEvery())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := fetchLog(ctx, s, id, a.cfg.Timeout()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("fetch log failed", "job", id, "error", err)
			continue
		}
		lines := s.LogLines(id)
		if len(lines) < printed {
			// The buffer dropped old lines
			printed = 0
		}
		for _, line := range lines[printed:] {
			fmt.Fprintln(out, line)
		}
		printed = len(lines)

		// Stop once the job can't produce more output
		jobCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout())
		job, _, err := a.client.GetJob(jobCtx, id)
		cancel()
		if err == nil && lifecycle.IsTerminal(job.Status) {
			if err := fetchLog(ctx, s, id, a.cfg.Timeout()); err == nil {
				if lines := s.LogLines(id); printed <= len(lines) {
					for _, line := range lines[printed:] {
						fmt.Fprintln(out, line)
					}
				}
			}
			fmt.Fprintf(out, "-- job %s %s --\n", id, job.Status)
			return nil
		}
	}
}

func fetchLog(ctx context.Context, s *syncer.Syncer, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := s.FetchLog(ctx, id)
	return err
}

// printTail prints the last n lines, or all of them when n is 0
func printTail(out io.Writer, lines []string, n int) {
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
}
