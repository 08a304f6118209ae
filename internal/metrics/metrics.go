package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counters
	PullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobwatch_pulls_total",
			Help: "Total number of snapshot pulls",
		},
		[]string{"result"}, // ok, error
	)

	PatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobwatch_patches_total",
			Help: "Total number of patches applied to the job store",
		},
		[]string{"source"}, // push, pull, local
	)

	StaleFieldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobwatch_stale_fields_total",
			Help: "Fields discarded because a newer value was already stored",
		},
		[]string{"source"},
	)

	PushMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobwatch_push_messages_total",
			Help: "Total number of push messages received",
		},
		[]string{"type"},
	)

	ReconnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobwatch_reconnect_attempts_total",
			Help: "Total number of push channel reconnect attempts scheduled",
		},
	)

	LogLinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobwatch_log_lines_total",
			Help: "Total number of log lines appended to cursors",
		},
	)

	BulkOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobwatch_bulk_outcomes_total",
			Help: "Per-id outcomes of bulk operations",
		},
		[]string{"op", "outcome"}, // outcome: ok, failed
	)

	GuardRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobwatch_guard_rejections_total",
			Help: "Actions rejected locally before reaching the server",
		},
		[]string{"action"},
	)

	// Gauges
	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobwatch_push_connected",
			Help: "1 while the push channel is open",
		},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobwatch_active_jobs",
			Help: "Jobs currently pending or running",
		},
	)

	Polling = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobwatch_polling",
			Help: "1 while periodic pulls are scheduled",
		},
	)

	PullDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobwatch_pull_duration_seconds",
			Help:    "Snapshot pull duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)
)

// Bool converts a flag to a gauge value
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
