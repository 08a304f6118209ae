package cmd

import (
	"context"
	"fmt"

	"github.com/osteele/jobwatch/internal/api"
	"github.com/osteele/jobwatch/internal/syncer"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:     "user",
	Aliases: []string{"users"},
	Short:   "Administer tracked accounts",
	Long: `Activate, deactivate or delete the accounts the service tracks.

Every subcommand takes one or more usernames. Each account is handled
separately: one failure doesn't stop the others, and every result is
reported.

Examples:
  jobwatch user deactivate alice bob
  jobwatch user delete @spam1 @spam2`,
}

var userActivateCmd = &cobra.Command{
	Use:   "activate <username>...",
	Short: "Resume tracking accounts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  userOpRunner(syncer.UserActivate),
}

var userDeactivateCmd = &cobra.Command{
	Use:   "deactivate <username>...",
	Short: "Pause tracking accounts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  userOpRunner(syncer.UserDeactivate),
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <username>...",
	Short: "Delete accounts and their data",
	Long: `Delete accounts and everything collected for them.

You are asked twice before anything is deleted. --yes skips both
questions.`,
	Args: cobra.MinimumNArgs(1),
	RunE: userOpRunner(syncer.UserDelete),
}

var userDeleteYes bool

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userActivateCmd, userDeactivateCmd, userDeleteCmd)
	userDeleteCmd.Flags().BoolVarP(&userDeleteYes, "yes", "y", false, "Don't ask for confirmation")
}

// userOpRunner returns a RunE applying op to every username argument
func userOpRunner(op syncer.UserOp) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var usernames []string
		seen := make(map[string]bool)
		for _, arg := range args {
			if u := api.NormalizeUsername(arg); u != "" && !seen[u] {
				seen[u] = true
				usernames = append(usernames, u)
			}
		}
		if len(usernames) == 0 {
			return fmt.Errorf("no valid usernames in %v", args)
		}

		if op == syncer.UserDelete && !userDeleteYes {
			ok, err := confirmDestructive(cmd, "delete", usernames)
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

		s, err := a.newSyncer(nil, false)
		if err != nil {
			return err
		}
		defer s.Close()

		s.UserSelection().SelectAll(usernames)
		b, err := s.PrepareUsers(op)
		if err != nil {
			return err
		}
		for !b.Ready() {
			b.Confirm()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout())
		defer cancel()
		res, err := s.BulkApply(ctx, b)
		if err != nil {
			return err
		}
		return printResult(cmd, res)
	}
}
