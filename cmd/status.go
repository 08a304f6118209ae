package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/osteele/jobwatch/internal/api"
	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/spf13/cobra"
)

// Exit codes
const (
	ExitSuccess  = 0
	ExitFailed   = 1
	ExitRunning  = 2
	ExitNotFound = 3
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Check the status of a specific job",
	Long: `Check the status of a specific job.

Exit codes:
  0: Job completed successfully
  1: Job failed, was stopped or cancelled, or an error occurred
  2: Job is pending or running
  3: Job not found

Example:
  jobwatch status 3f2c9a1e && echo done`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout())
	defer cancel()

	job, _, err := a.client.GetJob(ctx, args[0])
	if api.IsNotFound(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s not found\n", args[0])
		os.Exit(ExitNotFound)
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	showJob(cmd.OutOrStdout(), job, time.Now())
	os.Exit(statusExitCode(job.Status))
	return nil
}

// statusExitCode maps a job status to the command's exit code
func statusExitCode(s lifecycle.Status) int {
	if s == lifecycle.StatusCompleted {
		return ExitSuccess
	}
	switch lifecycle.ClassOf(s) {
	case lifecycle.ClassPending, lifecycle.ClassActive:
		return ExitRunning
	default:
		return ExitFailed
	}
}
