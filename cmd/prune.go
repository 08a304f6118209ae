package cmd

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/osteele/jobwatch/internal/db"
	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove finished jobs from the local cache",
	Long: `Remove finished jobs and their cached logs from the local cache.
Jobs on the server are not touched.

By default, removes every cached job that has finished. Use --older-than
to filter by age.

Examples:
  jobwatch prune                    # Remove all finished jobs
  jobwatch prune --older-than 7d    # Only jobs older than 7 days
  jobwatch prune --older-than 24h   # Only jobs older than 24 hours
  jobwatch prune --dry-run          # Preview what would be deleted`,
	RunE: runPrune,
}

var (
	pruneOlderThan string
	pruneDryRun    bool
)

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().StringVar(&pruneOlderThan, "older-than", "", "Only remove jobs older than this duration (e.g., 7d, 24h, 30m)")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Preview without actually deleting")
}

func runPrune(cmd *cobra.Command, args []string) error {
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

	var olderThan *time.Time
	if pruneOlderThan != "" {
		duration, err := parseDuration(pruneOlderThan)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w (examples: 7d, 24h, 30m)", pruneOlderThan, err)
		}
		cutoff := time.Now().Add(-duration)
		olderThan = &cutoff
	}

	out := cmd.OutOrStdout()
	if pruneDryRun {
		cached, err := db.ListJobs(cache, "", 0)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		var n int
		for _, c := range cached {
			if !prunable(c, olderThan) {
				continue
			}
			if n == 0 {
				fmt.Fprintln(out, "Would delete:")
			}
			n++
			fmt.Fprintf(out, "  %s (%s)\n", c.Job.ID, c.Job.Status)
		}
		if n == 0 {
			fmt.Fprintln(out, "No jobs to prune")
		}
		return nil
	}

	count, err := db.Prune(cache, olderThan)
	if err != nil {
		return fmt.Errorf("prune jobs: %w", err)
	}
	fmt.Fprintf(out, "Pruned %d finished job(s) from the cache\n", count)
	return nil
}

// prunable mirrors db.Prune's selection for the dry-run listing
func prunable(c *db.CachedJob, olderThan *time.Time) bool {
	job := c.Job
	if !lifecycle.Known(job.Status) || outstanding(job.Status) {
		return false
	}
	if olderThan == nil {
		return true
	}
	at := time.Unix(c.SavedAt, 0)
	switch {
	case job.CompletedAt != nil:
		at = *job.CompletedAt
	case job.CreatedAt != nil:
		at = *job.CreatedAt
	}
	return at.Before(*olderThan)
}

var daysPattern = regexp.MustCompile(`^(\d+)d$`)

// parseDuration parses a duration string, supporting "d" suffix for days
func parseDuration(s string) (time.Duration, error) {
	if matches := daysPattern.FindStringSubmatch(s); matches != nil {
		days, _ := strconv.Atoi(matches[1])
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
