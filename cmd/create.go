package cmd

import (
	"context"
	"fmt"

	"github.com/osteele/jobwatch/internal/api"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <username>...",
	Short: "Create a job for one or more accounts",
	Long: `Create a scraping job targeting the given accounts.

Usernames may be given with or without a leading @.

Examples:
  jobwatch create alice @bob
  jobwatch create alice --max-tweets 200 --no-articles
  jobwatch create alice --account scraper2`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreate,
}

var (
	createMaxTweets  int
	createNoArticles bool
	createAccount    string
)

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().IntVar(&createMaxTweets, "max-tweets", 0, "Stop after this many tweets per account")
	createCmd.Flags().BoolVar(&createNoArticles, "no-articles", false, "Don't extract linked articles")
	createCmd.Flags().StringVar(&createAccount, "account", "", "Scraper account to use")
}

func runCreate(cmd *cobra.Command, args []string) error {
	req := api.CreateRequest{
		TargetUsernames: args,
		ProcessArticles: !createNoArticles,
		ScraperAccount:  createAccount,
	}
	if createMaxTweets > 0 {
		req.MaxTweets = &createMaxTweets
	}
	req = req.Normalize()
	if len(req.TargetUsernames) == 0 {
		return fmt.Errorf("no valid usernames in %v", args)
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
	id, err := s.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created job %s\n", id)
	return nil
}
