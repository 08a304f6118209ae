// Package syncer is the facade the dashboard and commands talk to. It wires
// the push channel and the polling scheduler into one job store, tails job
// logs through the cursor tracker, and gates every action through the
// lifecycle guard before anything is sent to the server.
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/osteele/jobwatch/internal/api"
	"github.com/osteele/jobwatch/internal/bulk"
	"github.com/osteele/jobwatch/internal/clock"
	"github.com/osteele/jobwatch/internal/db"
	"github.com/osteele/jobwatch/internal/logcursor"
	"github.com/osteele/jobwatch/internal/metrics"
	"github.com/osteele/jobwatch/internal/poll"
	"github.com/osteele/jobwatch/internal/store"
	"github.com/osteele/jobwatch/internal/stream"
)

// Limits on retained side data
const (
	DefaultNotificationLimit = 50
	DefaultServerLogLimit    = 200
	DefaultMaxLogLines       = 5000
)

// Client is the subset of the REST client the syncer uses
type Client interface {
	ListJobs(ctx context.Context, limit int) (store.Snapshot, error)
	GetJob(ctx context.Context, id string) (store.Job, time.Time, error)
	CreateJob(ctx context.Context, req api.CreateRequest) (string, error)
	StartJob(ctx context.Context, id string) (api.ActionResult, error)
	StopJob(ctx context.Context, id string) (api.ActionResult, error)
	RunJob(ctx context.Context, id string) (api.ActionResult, error)
	DeleteJob(ctx context.Context, id string) (api.ActionResult, error)
	Logs(ctx context.Context, id, since string) (logcursor.Delta, error)
	ActivateUser(ctx context.Context, username string) (api.ActionResult, error)
	DeactivateUser(ctx context.Context, username string) (api.ActionResult, error)
	DeleteUser(ctx context.Context, username string) (api.ActionResult, error)
	JobStats(ctx context.Context, days int) (api.JobStatistics, error)
}

// Stream is the push channel, satisfied by *stream.Manager
type Stream interface {
	Connect(endpoint string)
	Disconnect()
	Reload()
	State() stream.State
	Subscribe(fn func(stream.Event))
	Send(msg stream.ClientMessage) error
}

// Options configures a Syncer
type Options struct {
	Client Client
	// Stream may be nil, in which case only the pull channel is used
	Stream   Stream
	Endpoint string
	// Cache, when set, receives the job view after each pull and log
	// cursors after each fetch
	Cache     *sql.DB
	Clock     clock.Clock
	Logger    *slog.Logger
	ListLimit int

	PollInterval time.Duration
	Grace        time.Duration
	Timeout      time.Duration

	MaxLogLines       int
	NotificationLimit int
}

// Notification is a message for the user, from the server or about the
// connection
type Notification struct {
	Time    time.Time
	Kind    string // info, success, warning, error
	Message string
}

// Health is the connection status shown in banners
type Health struct {
	stream.State
	// Streaming is false when no push channel is configured
	Streaming     bool
	Polling       bool
	LastPull      time.Time
	LastPullError string
	LastPong      time.Time
}

// Syncer is safe for concurrent use
type Syncer struct {
	client   Client
	stream   Stream
	endpoint string
	cache    *sql.DB
	clock    clock.Clock
	log      *slog.Logger
	limit    int

	store  *store.Store
	logs   *logcursor.Tracker
	poller *poll.Scheduler

	jobSel  *bulk.Selection
	userSel *bulk.Selection
	jobBulk *bulk.Coordinator
	userBlk *bulk.Coordinator

	updates chan struct{}

	mu            sync.Mutex
	notifications []Notification
	notifyLimit   int
	serverLog     []stream.LogEvent
	system        *stream.SystemStats
	lastPull      time.Time
	lastPullErr   string
	lastPong      time.Time
	batches       map[string]*bulk.Coordinator
	started       bool
	unsubscribe   func()
}

// New wires the components together. Nothing touches the network until
// Connect.
func New(opts Options) (*Syncer, error) {
	if opts.Client == nil {
		return nil, errors.New("syncer: client is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = api.DefaultListLimit
	}
	if opts.MaxLogLines <= 0 {
		opts.MaxLogLines = DefaultMaxLogLines
	}
	if opts.NotificationLimit <= 0 {
		opts.NotificationLimit = DefaultNotificationLimit
	}

	s := &Syncer{
		client:      opts.Client,
		stream:      opts.Stream,
		endpoint:    opts.Endpoint,
		cache:       opts.Cache,
		clock:       opts.Clock,
		log:         opts.Logger.With("component", "syncer"),
		limit:       opts.ListLimit,
		store:       store.New(),
		logs:        logcursor.New(logcursor.Options{MaxLines: opts.MaxLogLines}),
		jobSel:      &bulk.Selection{},
		userSel:     &bulk.Selection{},
		updates:     make(chan struct{}, 1),
		notifyLimit: opts.NotificationLimit,
		batches:     make(map[string]*bulk.Coordinator),
	}
	s.poller = poll.New(s.Refresh, poll.Options{
		Interval: opts.PollInterval,
		Grace:    opts.Grace,
		Timeout:  opts.Timeout,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		OnStateChange: func(running bool) {
			metrics.Polling.Set(metrics.Bool(running))
			s.signal()
		},
	})
	s.jobBulk = s.newCoordinator(s.jobSel)
	s.userBlk = s.newCoordinator(s.userSel)

	s.unsubscribe = s.store.Subscribe(func(c store.Change) {
		metrics.ActiveJobs.Set(float64(c.ActiveCount))
		s.poller.Update(c.ActiveCount)
		s.signal()
	})
	s.logs.Subscribe(func(string) { s.signal() })
	if s.stream != nil {
		s.stream.Subscribe(s.handleEvent)
	}
	return s, nil
}

func (s *Syncer) newCoordinator(sel *bulk.Selection) *bulk.Coordinator {
	c := bulk.NewCoordinator(sel, s.log)
	c.OnOutcome = func(op string, o bulk.Outcome) {
		outcome := "ok"
		if !o.OK() {
			outcome = "failed"
		}
		metrics.BulkOutcomesTotal.WithLabelValues(op, outcome).Inc()
	}
	return c
}

// Connect seeds the store from the cache, opens the push channel and
// performs the first pull. A failed first pull is reported but does not stop the
// syncer; the push channel and later pulls can still catch up.
func (s *Syncer) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("syncer already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.LoadCache(); err != nil {
			s.log.Warn("load cache failed", "error", err)
		}
	}
	if s.stream != nil && s.endpoint != "" {
		s.stream.Connect(s.endpoint)
	}
	err := s.Refresh(ctx)
	s.poller.Update(s.store.ActiveCount())
	return err
}

// Close stops polling and the push channel
func (s *Syncer) Close() {
	s.poller.Close()
	if s.stream != nil {
		s.stream.Disconnect()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Run connects and blocks until ctx is done
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		s.log.Warn("initial pull failed", "error", err)
	}
	<-ctx.Done()
	s.Close()
	return nil
}

// Updates delivers a value after state visible to the UI changed. Bursts
// are coalesced.
func (s *Syncer) Updates() <-chan struct{} {
	return s.updates
}

func (s *Syncer) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// LoadCache seeds the store with the last saved view. Cached values carry a
// zero timestamp so that any live value replaces them.
func (s *Syncer) LoadCache() error {
	cached, err := db.ListJobs(s.cache, "", 0)
	if err != nil {
		return fmt.Errorf("read cache: %w", err)
	}
	for _, c := range cached {
		s.store.ApplyPatch(c.Job.ID, store.FullPatch(c.Job, time.Time{}, store.SourceLocal))
	}
	s.log.Debug("cache loaded", "jobs", len(cached))
	return nil
}

// Refresh pulls the job listing and merges it into the store. It is the
// poller's pull function and is also called directly.
func (s *Syncer) Refresh(ctx context.Context) error {
	start := s.clock.Now()
	snap, err := s.client.ListJobs(ctx, s.limit)
	metrics.PullDurationSeconds.Observe(s.clock.Now().Sub(start).Seconds())

	s.mu.Lock()
	s.lastPull = start
	if err != nil {
		s.lastPullErr = err.Error()
	} else {
		s.lastPullErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		metrics.PullsTotal.WithLabelValues("error").Inc()
		s.signal()
		return fmt.Errorf("pull jobs: %w", err)
	}
	metrics.PullsTotal.WithLabelValues("ok").Inc()

	res := s.store.SetSnapshot(snap)
	metrics.PatchesTotal.WithLabelValues(store.SourcePull.String()).Add(float64(res.Added + res.Updated))
	metrics.StaleFieldsTotal.WithLabelValues(store.SourcePull.String()).Add(float64(res.Stale))
	s.log.Debug("pulled", "jobs", len(snap.Jobs), "added", res.Added, "updated", res.Updated,
		"removed", res.Removed, "stale", res.Stale)

	if s.cache != nil {
		if err := db.SaveJobs(s.cache, s.store.Jobs(), s.clock.Now()); err != nil {
			s.log.Warn("save cache failed", "error", err)
		}
	}
	s.signal()
	return nil
}

// Store exposes the job store for read-only use
func (s *Syncer) Store() *store.Store {
	return s.store
}

// Jobs returns the known jobs in insertion order
func (s *Syncer) Jobs() []store.Job {
	return s.store.Jobs()
}

// Job returns one known job
func (s *Syncer) Job(id string) (store.Job, bool) {
	return s.store.Job(id)
}

// ActiveCount returns the number of pending or running jobs
func (s *Syncer) ActiveCount() int {
	return s.store.ActiveCount()
}

// Polling reports whether periodic pulls are currently scheduled
func (s *Syncer) Polling() bool {
	return s.poller.Running()
}

// ShouldPoll reports the polling policy decision now
func (s *Syncer) ShouldPoll() bool {
	return s.poller.ShouldPoll()
}

// ConnectionHealth returns the current connection status
func (s *Syncer) ConnectionHealth() Health {
	var h Health
	if s.stream != nil {
		h.State = s.stream.State()
		h.Streaming = true
	}
	h.Polling = s.poller.Running()
	s.mu.Lock()
	h.LastPull = s.lastPull
	h.LastPullError = s.lastPullErr
	h.LastPong = s.lastPong
	s.mu.Unlock()
	return h
}

// Reload is the manual recovery after the push channel gave up
func (s *Syncer) Reload() {
	if s.stream != nil {
		s.stream.Reload()
	}
	s.poller.Force()
}

// Notifications returns retained notifications, oldest first
func (s *Syncer) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notifications...)
}

// ServerLog returns retained server log events, oldest first
func (s *Syncer) ServerLog() []stream.LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.LogEvent(nil), s.serverLog...)
}

// SystemStats returns the latest server summary, if any arrived
func (s *Syncer) SystemStats() (stream.SystemStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.system == nil {
		return stream.SystemStats{}, false
	}
	return *s.system, true
}

// Stats fetches the server's job statistics
func (s *Syncer) Stats(ctx context.Context, days int) (api.JobStatistics, error) {
	return s.client.JobStats(ctx, days)
}

func (s *Syncer) addNotification(n Notification) {
	if n.Time.IsZero() {
		n.Time = s.clock.Now()
	}
	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	if len(s.notifications) > s.notifyLimit {
		s.notifications = s.notifications[len(s.notifications)-s.notifyLimit:]
	}
	s.mu.Unlock()
	s.signal()
}
