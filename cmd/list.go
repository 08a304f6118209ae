package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/osteele/jobwatch/internal/db"
	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/store"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs from the job service, or from the local cache with --offline.

Examples:
  jobwatch list                     # Recent jobs
  jobwatch list --status running    # Running jobs only
  jobwatch list --active            # Pending and running jobs
  jobwatch list --offline           # Last known jobs, no network`,
	RunE: runList,
}

var (
	listStatus  string
	listActive  bool
	listLimit   int
	listOffline bool
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listStatus, "status", "", "Show only jobs with this status")
	listCmd.Flags().BoolVar(&listActive, "active", false, "Show only pending and running jobs")
	listCmd.Flags().IntVar(&listLimit, "limit", 100, "Limit results")
	listCmd.Flags().BoolVar(&listOffline, "offline", false, "Read the local cache instead of the server")
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	cache, err := a.openCache()
	if err != nil && listOffline {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	var jobs []store.Job
	if listOffline {
		cached, err := db.ListJobs(cache, listStatus, listLimit)
		if err != nil {
			return fmt.Errorf("list cached jobs: %w", err)
		}
		for _, c := range cached {
			jobs = append(jobs, c.Job)
		}
	} else {
		ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout())
		defer cancel()
		snap, err := a.client.ListJobs(ctx, listLimit)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		if cache != nil {
			if err := db.SaveJobs(cache, snap.Jobs, time.Now()); err != nil {
				a.log.Warn("save cache failed", "error", err)
			}
		}
		for _, j := range snap.Jobs {
			if listStatus == "" || string(j.Status) == listStatus {
				jobs = append(jobs, j)
			}
		}
	}

	if listActive {
		active := jobs[:0]
		for _, j := range jobs {
			if outstanding(j.Status) {
				active = append(active, j)
			}
		}
		jobs = active
	}
	return printJobs(cmd.OutOrStdout(), jobs)
}

func printJobs(out io.Writer, jobs []store.Job) error {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTARGETS\tCREATED\tTWEETS\tARTICLES")

	for _, job := range jobs {
		created := "-"
		if job.CreatedAt != nil {
			created = job.CreatedAt.Local().Format("01/02 15:04")
		}
		status := string(job.Status)
		if !lifecycle.Known(job.Status) {
			status += " (?)"
		}

		targets := strings.Join(job.Target.Usernames, ",")
		if len(targets) > 40 {
			targets = targets[:37] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			job.ID, status, targets, created, job.Stats.TweetsCollected, job.Stats.ArticlesExtracted)
	}

	return w.Flush()
}

// outstanding reports whether a job is pending or running
func outstanding(s lifecycle.Status) bool {
	return lifecycle.IsActive(s) || lifecycle.ClassOf(s) == lifecycle.ClassPending
}

// showJob prints one job in detail
func showJob(out io.Writer, job store.Job, now time.Time) {
	fmt.Fprintf(out, "Job ID:       %s\n", job.ID)
	fmt.Fprintf(out, "Status:       %s\n", job.Status)
	fmt.Fprintf(out, "Targets:      %s\n", strings.Join(job.Target.Usernames, ", "))
	fmt.Fprintf(out, "Articles:     %t\n", job.Target.ProcessArticles)
	if job.Target.MaxTweets != nil {
		fmt.Fprintf(out, "Max Tweets:   %d\n", *job.Target.MaxTweets)
	}
	if job.Target.ScraperAccount != "" {
		fmt.Fprintf(out, "Account:      %s\n", job.Target.ScraperAccount)
	}
	if job.CreatedAt != nil {
		fmt.Fprintf(out, "Created:      %s\n", job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if job.StartedAt != nil {
		fmt.Fprintf(out, "Started:      %s\n", job.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "Completed:    %s\n", job.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if job.StartedAt != nil {
		fmt.Fprintf(out, "Duration:     %s\n", db.FormatDuration(int64(job.Duration(now).Seconds())))
	}
	s := job.Stats
	fmt.Fprintf(out, "Progress:     %d tweets, %d articles, %d media, %d errors\n",
		s.TweetsCollected, s.ArticlesExtracted, s.MediaDownloaded, s.ErrorsCount)
	for _, e := range job.Errors {
		fmt.Fprintf(out, "Error:        %s\n", e)
	}
	var actions []string
	for _, act := range lifecycle.Actions(job.Status) {
		actions = append(actions, string(act))
	}
	if len(actions) == 0 {
		actions = []string{"none"}
	}
	fmt.Fprintf(out, "Actions:      %s\n", strings.Join(actions, ", "))
}
