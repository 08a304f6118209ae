package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/osteele/jobwatch/internal/db"
	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and control jobs",
	Long: `Inspect and control jobs on the job service.

Every action is checked against the job's current status first; an action
the status doesn't allow is refused without contacting the server.

Available subcommands:
  show      Show one job in detail
  start     Start pending, stopped or failed jobs
  stop      Stop running jobs
  run       Execute jobs now
  delete    Delete jobs (asks twice)

start, stop and run also have top-level shortcuts.`,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobStartCmd = &cobra.Command{
	Use:   "start <job-id>...",
	Short: "Start one or more jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  jobActionRunner(lifecycle.ActionStart),
}

var jobStopCmd = &cobra.Command{
	Use:   "stop <job-id>...",
	Short: "Stop one or more running jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  jobActionRunner(lifecycle.ActionStop),
}

var jobRunCmd = &cobra.Command{
	Use:   "run <job-id>...",
	Short: "Execute one or more jobs now",
	Args:  cobra.MinimumNArgs(1),
	RunE:  jobActionRunner(lifecycle.ActionRun),
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>...",
	Short: "Delete one or more jobs",
	Long: `Delete jobs on the server and from the local cache.

You are asked twice before anything is deleted. --yes skips both
questions.`,
	Args: cobra.MinimumNArgs(1),
	RunE: jobActionRunner(lifecycle.ActionDelete),
}

// Top-level shortcuts
var (
	startCmd = &cobra.Command{
		Use:   "start <job-id>...",
		Short: jobStartCmd.Short,
		Args:  cobra.MinimumNArgs(1),
		RunE:  jobActionRunner(lifecycle.ActionStart),
	}
	stopCmd = &cobra.Command{
		Use:   "stop <job-id>...",
		Short: jobStopCmd.Short,
		Args:  cobra.MinimumNArgs(1),
		RunE:  jobActionRunner(lifecycle.ActionStop),
	}
	runCmd = &cobra.Command{
		Use:   "run <job-id>...",
		Short: jobRunCmd.Short,
		Args:  cobra.MinimumNArgs(1),
		RunE:  jobActionRunner(lifecycle.ActionRun),
	}
)

var (
	jobShowOffline bool
	jobDeleteYes   bool
)

func init() {
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(startCmd, stopCmd, runCmd)

	jobCmd.AddCommand(jobShowCmd, jobStartCmd, jobStopCmd, jobRunCmd, jobDeleteCmd)

	jobShowCmd.Flags().BoolVar(&jobShowOffline, "offline", false, "Read the local cache instead of the server")
	jobDeleteCmd.Flags().BoolVarP(&jobDeleteYes, "yes", "y", false, "Don't ask for confirmation")
}

func runJobShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if jobShowOffline {
		cache, err := a.openCache()
		if err != nil {
			return err
		}
		defer cache.Close()
		cached, err := db.GetJob(cache, args[0])
		if err != nil {
			return fmt.Errorf("get cached job: %w", err)
		}
		if cached == nil {
			return fmt.Errorf("job %s not in cache", args[0])
		}
		showJob(cmd.OutOrStdout(), cached.Job, time.Now())
		fmt.Fprintf(cmd.OutOrStdout(), "Cached:       %s\n", time.Unix(cached.SavedAt, 0).Format("2006-01-02 15:04:05"))
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout())
	defer cancel()
	job, _, err := a.client.GetJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	showJob(cmd.OutOrStdout(), job, time.Now())
	return nil
}

// jobActionRunner returns a RunE applying action to every job id argument
func jobActionRunner(action lifecycle.Action) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if action == lifecycle.ActionDelete && !jobDeleteYes {
			ok, err := confirmDestructive(cmd, "delete", args)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
				return nil
			}
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

		ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout())
		defer cancel()

		if len(args) == 1 {
			msg, err := s.JobAction(ctx, args[0], action)
			if err != nil {
				return err
			}
			if msg == "" {
				msg = "ok"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", action, args[0], msg)
			return nil
		}

		s.JobSelection().SelectAll(args)
		b, err := s.PrepareJobs(action)
		if err != nil {
			return err
		}
		// Confirmation already happened at the prompt
		for !b.Ready() {
			b.Confirm()
		}
		res, err := s.BulkApply(ctx, b)
		if err != nil {
			return err
		}
		return printResult(cmd, res)
	}
}
