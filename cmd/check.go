package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/osteele/jobwatch/internal/stream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the job service is reachable",
	Long: `Check both channels to the job service.

Shows:
- Whether the REST API answers, and how long it took
- Whether the push channel accepts a connection and answers a ping

The push channel is tried once, without reconnecting.

Example:
  jobwatch check --server http://scraper.internal:8000`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

// checkResult is the outcome of one reachability check
type checkResult struct {
	name    string
	elapsed time.Duration
	detail  string
	err     error
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout())
	defer cancel()

	var restResult, pushResult checkResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		restResult = a.checkREST(gctx)
		return nil
	})
	g.Go(func() error {
		pushResult = a.checkPush(gctx)
		return nil
	})
	_ = g.Wait()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server: %s\n\n", a.cfg.ServerURL)
	printCheck(out, restResult)
	printCheck(out, pushResult)

	if restResult.err != nil {
		return errors.New("job service unreachable")
	}
	if pushResult.err != nil {
		fmt.Fprintln(out, "\nLive updates unavailable; the dashboard will fall back to polling.")
	}
	return nil
}

func (a *app) checkREST(ctx context.Context) checkResult {
	start := time.Now()
	snap, err := a.client.ListJobs(ctx, 1)
	res := checkResult{name: "REST API", elapsed: time.Since(start), err: err}
	if err == nil {
		res.detail = fmt.Sprintf("server time %s", snap.At.Local().Format("15:04:05"))
	}
	return res
}

// checkPush opens one push connection, sends a ping and waits for the
// answer
func (a *app) checkPush(ctx context.Context) checkResult {
	res := checkResult{name: "Push channel"}
	endpoint, err := stream.EndpointURL(a.cfg.ServerURL, a.cfg.StreamPath)
	if err != nil {
		res.err = err
		return res
	}

	done := make(chan checkResult, 1)
	report := func(r checkResult) {
		select {
		case done <- r:
		default:
		}
	}

	start := time.Now()
	m := stream.NewManager(stream.Options{
		MaxAttempts: stream.NoRetry,
		DialTimeout: a.cfg.Timeout(),
		Logger:      a.log,
		OnOpen: func() []stream.ClientMessage {
			return []stream.ClientMessage{stream.Ping()}
		},
	})
	m.Subscribe(func(e stream.Event) {
		switch e.Kind {
		case stream.EventMessage:
			if _, ok := e.Message.(stream.Pong); ok {
				report(checkResult{detail: "answered ping"})
			}
		case stream.EventClose:
			if e.Err != nil {
				report(checkResult{err: e.Err})
			}
		case stream.EventFailed:
			report(checkResult{err: e.Err})
		}
	})
	m.Connect(endpoint)
	defer m.Disconnect()

	select {
	case r := <-done:
		res.detail, res.err = r.detail, r.err
	case <-ctx.Done():
		if m.State().Connected {
			res.detail = "connected, no answer to ping"
		} else {
			res.err = ctx.Err()
		}
	}
	res.elapsed = time.Since(start)
	return res
}

func printCheck(out io.Writer, r checkResult) {
	if r.err != nil {
		fmt.Fprintf(out, "%-14s ✗ %v\n", r.name+":", r.err)
		return
	}
	fmt.Fprintf(out, "%-14s ✓ %s (%s)\n", r.name+":", r.detail, r.elapsed.Round(time.Millisecond))
}
