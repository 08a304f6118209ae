package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/plan"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Submit batches of jobs from a plan file",
}

var planSubmitCmd = &cobra.Command{
	Use:   "submit <file|->",
	Short: "Submit a YAML job plan",
	Long: `Create every job in a YAML plan file.

Example plan:

  version: 1
  defaults:
    max_tweets: 500
  jobs:
    - job:
        targets: [alice, bob]
    - group:
        name: news
        process_articles: true
        jobs:
          - targets: [nytimes]
          - targets: [guardian]
            max_tweets: 100

Jobs are created one by one; a failure is reported and the rest are
still created.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanSubmit,
}

var (
	planWatchDuration time.Duration
	planDryRun        bool
)

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.AddCommand(planSubmitCmd)
	planSubmitCmd.Flags().DurationVar(&planWatchDuration, "watch", 0, "Wait for up to this duration and report job outcomes")
	planSubmitCmd.Flags().BoolVar(&planDryRun, "dry-run", false, "Print the jobs without creating them")
}

func runPlanSubmit(cmd *cobra.Command, args []string) error {
	data, err := readPlanInput(args[0])
	if err != nil {
		return err
	}
	planFile, err := plan.Decode(data)
	if err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}
	planFile.ApplyDefaults()
	if err := planFile.Validate(); err != nil {
		return err
	}
	reqs := planFile.Requests()

	out := cmd.OutOrStdout()
	if planDryRun {
		fmt.Fprintf(out, "Would create %d job(s):\n", len(reqs))
		for i, r := range reqs {
			limit := "unlimited"
			if r.MaxTweets != nil {
				limit = fmt.Sprintf("%d", *r.MaxTweets)
			}
			fmt.Fprintf(out, "  #%d %s (max tweets: %s, articles: %t)\n",
				i+1, strings.Join(r.TargetUsernames, ", "), limit, r.ProcessArticles)
		}
		return nil
	}

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	cache, err := a.openCache()
	if err != nil {
		a.log.Warn("cache unavailable", "error", err)
	} else {
		defer cache.Close()
	}
	s, err := a.newSyncer(cache, false)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := interruptContext()
	defer cancel()

	res := s.CreateAll(ctx, reqs)
	resultErr := printResult(cmd, res)
	if planWatchDuration <= 0 {
		return resultErr
	}

	var ids []string
	for _, o := range res.Succeeded() {
		ids = append(ids, o.ID)
	}
	if err := watchJobs(ctx, cmd, a, ids, planWatchDuration); err != nil {
		return err
	}
	return resultErr
}

// watchJobs pulls the job list until every id has finished or the timeout
// passes, then prints the final statuses
func watchJobs(ctx context.Context, cmd *cobra.Command, a *app, ids []string, timeout time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Watching %d job(s) for up to %s...\n", len(ids), timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(a.cfg.PollEvery())
	defer ticker.Stop()

	final := make(map[string]lifecycle.Status)
	for {
		for _, id := range ids {
			if _, done := final[id]; done {
				continue
			}
			reqCtx, reqCancel := context.WithTimeout(ctx, a.cfg.Timeout())
			job, _, err := a.client.GetJob(reqCtx, id)
			reqCancel()
			if err != nil {
				a.log.Debug("poll job failed", "job", id, "error", err)
				continue
			}
			if lifecycle.IsTerminal(job.Status) {
				final[id] = job.Status
				fmt.Fprintf(out, "  %s %s\n", id, job.Status)
			}
		}
		if len(final) == len(ids) {
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "%d job(s) still running\n", len(ids)-len(final))
			return nil
		case <-ticker.C:
		}
	}
}

func readPlanInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
