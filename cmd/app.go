package cmd

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/osteele/jobwatch/internal/api"
	"github.com/osteele/jobwatch/internal/bulk"
	"github.com/osteele/jobwatch/internal/config"
	"github.com/osteele/jobwatch/internal/db"
	"github.com/osteele/jobwatch/internal/logger"
	"github.com/osteele/jobwatch/internal/metrics"
	"github.com/osteele/jobwatch/internal/stream"
	"github.com/osteele/jobwatch/internal/syncer"
	"github.com/spf13/cobra"
)

// app holds what every command needs: configuration, a logger and a REST
// client
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	client *api.Client
	closer io.Closer
}

// newApp loads the configuration and applies the global flags. The TUI logs
// to a file so that log lines don't draw over the screen.
func newApp(logToFile bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if serverFlag != "" {
		cfg.ServerURL = serverFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if cacheFlag != "" {
		cfg.CachePath = cacheFlag
	}
	if metricsFlag != "" {
		cfg.MetricsAddr = metricsFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Format = cfg.LogFormat
	if cfg.LogLevel != "" {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logCfg.Level = level
	}
	if logToFile {
		logCfg.File = cfg.LogFilePath()
	}
	log, closer, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	slog.SetDefault(log)

	client, err := api.New(api.Options{
		BaseURL: cfg.ServerURL,
		Prefix:  cfg.APIPrefix,
		Timeout: cfg.Timeout(),
		Logger:  log,
	})
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, client: client, closer: closer}, nil
}

func (a *app) Close() {
	a.closer.Close()
}

// openCache opens the local job cache
func (a *app) openCache() (*sql.DB, error) {
	path := a.cfg.CachePath
	if path == "" {
		path = db.DefaultPath()
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return database, nil
}

// newSyncer builds a syncer over the app's client. With streaming set it
// also gets a push channel; one-shot commands go without.
func (a *app) newSyncer(cache *sql.DB, streaming bool) (*syncer.Syncer, error) {
	opts := syncer.Options{
		Client:       a.client,
		Cache:        cache,
		Logger:       a.log,
		PollInterval: a.cfg.PollEvery(),
		Grace:        a.cfg.Grace(),
		Timeout:      a.cfg.Timeout(),
	}
	if streaming {
		endpoint, err := stream.EndpointURL(a.cfg.ServerURL, a.cfg.StreamPath)
		if err != nil {
			return nil, err
		}
		opts.Endpoint = endpoint
		attempts := a.cfg.Reconnect.MaxAttempts
		if attempts == 0 {
			attempts = stream.NoRetry
		}
		opts.Stream = stream.NewManager(stream.Options{
			BaseDelay:    a.cfg.Reconnect.Base(),
			MaxDelay:     a.cfg.Reconnect.Cap(),
			MaxAttempts:  attempts,
			PingInterval: a.cfg.PingEvery(),
			Logger:       a.log,
			OnOpen: func() []stream.ClientMessage {
				return []stream.ClientMessage{stream.SubscribeLogs()}
			},
		})
	}
	return syncer.New(opts)
}

// serveMetrics starts the metrics endpoint in the background when one is
// configured
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, a.cfg.MetricsAddr, a.log); err != nil {
			a.log.Error("metrics server failed", "error", err)
		}
	}()
}

// confirmDestructive asks twice before an irreversible operation: a yes/no
// question, then typing the operation's name
func confirmDestructive(cmd *cobra.Command, verb string, targets []string) (bool, error) {
	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "%s %d item(s): %s\n", strings.ToUpper(verb[:1])+verb[1:], len(targets), strings.Join(targets, ", "))
	fmt.Fprint(out, "Continue? [y/N] ")
	answer, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
		return false, nil
	}

	fmt.Fprintf(out, "This cannot be undone. Type %q to confirm: ", verb)
	answer, err = in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	return strings.TrimSpace(answer) == verb, nil
}

// printResult prints each outcome of a multi-item operation. It returns an
// error only when every item failed; the per-item lines report the rest.
func printResult(cmd *cobra.Command, res *bulk.Result) error {
	out := cmd.OutOrStdout()
	for _, o := range res.Outcomes {
		switch {
		case o.Err != nil:
			fmt.Fprintf(out, "  ✗ %s: %v\n", o.ID, o.Err)
		case o.Message != "":
			fmt.Fprintf(out, "  ✓ %s: %s\n", o.ID, o.Message)
		default:
			fmt.Fprintf(out, "  ✓ %s\n", o.ID)
		}
	}
	fmt.Fprintln(out, res.Summary())
	if res.AllFailed() {
		return fmt.Errorf("all %d failed", len(res.Outcomes))
	}
	return nil
}

// interruptContext returns a context cancelled on Ctrl-C
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
