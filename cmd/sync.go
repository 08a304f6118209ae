package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the local cache from the server",
	Long: `Pull the job listing into the local cache, along with the logs of
jobs that are pending or running.

The cache is what --offline commands read, and what the dashboard shows
before its first pull completes.

Examples:
  jobwatch sync              # Refresh jobs and active logs
  jobwatch sync --verbose    # Show progress`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncVerbose bool
	syncAllLogs bool
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVarP(&syncVerbose, "verbose", "v", false, "Show detailed progress")
	syncCmd.Flags().BoolVar(&syncAllLogs, "all-logs", false, "Fetch logs of finished jobs too")
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	cache, err := a.openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	s, err := a.newSyncer(cache, false)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := interruptContext()
	defer cancel()

	pullCtx, pullCancel := context.WithTimeout(ctx, a.cfg.Timeout())
	err = s.Connect(pullCtx)
	pullCancel()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	jobs := s.Jobs()
	var lines, logsFetched, logsFailed int
	for _, job := range jobs {
		if !syncAllLogs && !outstanding(job.Status) {
			continue
		}
		if syncVerbose {
			fmt.Fprintf(out, "Fetching log for %s...\n", job.ID)
		}
		logCtx, logCancel := context.WithTimeout(ctx, a.cfg.Timeout())
		n, err := s.FetchLog(logCtx, job.ID)
		logCancel()
		if err != nil {
			logsFailed++
			if syncVerbose {
				fmt.Fprintf(out, "  %s: %v\n", job.ID, err)
			}
			continue
		}
		logsFetched++
		lines += n
	}

	fmt.Fprintf(out, "Synced %d job(s) (%d active)", len(jobs), s.ActiveCount())
	if logsFetched > 0 {
		fmt.Fprintf(out, ", %d log line(s) from %d job(s)", lines, logsFetched)
	}
	if logsFailed > 0 {
		fmt.Fprintf(out, ", %d log fetch(es) failed", logsFailed)
	}
	fmt.Fprintln(out)
	return nil
}
