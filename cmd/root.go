package cmd

import (
	"os"

	"github.com/osteele/jobwatch/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jobwatch",
	Short: "Watch and control scraping jobs on a job service",
	Long: `jobwatch keeps a live view of the jobs on a job service.

Job status arrives over a push channel and is reconciled with periodic
pulls while jobs are active. Logs are tailed incrementally. Actions are
checked against the job's status before anything is sent.`,
	SilenceUsage: true,
}

var (
	serverFlag   string
	logLevelFlag string
	cacheFlag    string
	metricsFlag  string
)

// Execute runs the root command
func Execute() error {
	// If no args provided, check config for default command
	if len(os.Args) == 1 {
		cfg, _ := config.Load()
		if cfg != nil && cfg.DefaultCommand != "" && cfg.DefaultCommand != "help" {
			// Insert the default command as the first argument
			os.Args = append(os.Args, cfg.DefaultCommand)
		}
	}
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Job service URL (overrides server_url)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&cacheFlag, "cache", "", "Path of the local job cache")
	rootCmd.PersistentFlags().StringVar(&metricsFlag, "metrics-addr", "", "Serve Prometheus metrics on this address")
}
