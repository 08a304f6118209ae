package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/osteele/jobwatch/internal/api"
	"github.com/osteele/jobwatch/internal/db"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job statistics",
	Long: `Show a summary of jobs over the last days, as computed by the server.

Examples:
  jobwatch stats
  jobwatch stats --days 30`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var statsDays int

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "Number of days to summarise")
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsDays < 1 {
		return fmt.Errorf("--days must be at least 1")
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

	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout())
	defer cancel()
	stats, err := s.Stats(ctx, statsDays)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	return printStats(cmd.OutOrStdout(), stats, statsDays)
}

func printStats(out io.Writer, s api.JobStatistics, days int) error {
	fmt.Fprintf(out, "Last %d day(s):\n", days)
	fmt.Fprintf(out, "  Jobs:         %d (%d completed, %d failed)\n", s.TotalJobs, s.CompletedJobs, s.FailedJobs)
	fmt.Fprintf(out, "  Success rate: %.1f%%\n", s.SuccessRate)
	fmt.Fprintf(out, "  Tweets:       %d\n", s.TotalTweets)
	fmt.Fprintf(out, "  Articles:     %d\n", s.TotalArticles)
	fmt.Fprintf(out, "  Avg. time:    %s\n", db.FormatDuration(int64(s.AvgProcessingTime)))

	if len(s.DailyStats) == 0 {
		return nil
	}

	var dates []string
	statuses := map[string]bool{}
	for date, counts := range s.DailyStats {
		dates = append(dates, date)
		for status := range counts {
			statuses[status] = true
		}
	}
	slices.Sort(dates)
	var cols []string
	for status := range statuses {
		cols = append(cols, status)
	}
	slices.Sort(cols)

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "DATE")
	for _, c := range cols {
		fmt.Fprintf(w, "\t%s", c)
	}
	fmt.Fprintln(w)
	for _, date := range dates {
		fmt.Fprint(w, date)
		for _, c := range cols {
			fmt.Fprintf(w, "\t%d", s.DailyStats[date][c])
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}
