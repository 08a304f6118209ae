// Package poll runs snapshot pulls only while there is outstanding work.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/osteele/jobwatch/internal/clock"
)

// Default cadence settings
const (
	DefaultInterval = 3 * time.Second
	DefaultGrace    = 5 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// Puller performs one snapshot pull. A returned error is a transient
// failure: it is logged and polling continues at the normal cadence.
type Puller func(ctx context.Context) error

// Options configures a Scheduler
type Options struct {
	Interval time.Duration
	// Grace is how long Force keeps polling after a user action even if no
	// job is active yet.
	Grace time.Duration
	// Timeout bounds each pull
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
	// OnStateChange is called with the new value whenever polling starts
	// or stops
	OnStateChange func(running bool)
}

// Policy is the pure decision rule: poll while any job is active or a grace
// period requested by a user action has not yet elapsed
type Policy struct {
	ActiveCount int
	ForcedUntil time.Time
}

// ShouldPoll evaluates the policy at now
func (p Policy) ShouldPoll(now time.Time) bool {
	return p.ActiveCount > 0 || now.Before(p.ForcedUntil)
}

// Scheduler arms one timer at a time. The next pull is scheduled only after
// the previous one returns, so pulls never overlap.
type Scheduler struct {
	pull     Puller
	interval time.Duration
	grace    time.Duration
	timeout  time.Duration
	clock    clock.Clock
	log      *slog.Logger
	onState  func(bool)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	policy   Policy
	timer    clock.Timer
	running  bool
	inflight bool
	closed   bool
	pulls    int
}

// New returns an idle Scheduler
func New(pull Puller, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pull:     pull,
		interval: opts.Interval,
		grace:    opts.Grace,
		timeout:  opts.Timeout,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "poll"),
		onState:  opts.OnStateChange,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Update records the current number of active jobs and starts or stops
// polling accordingly. Call it whenever the job store changes.
func (s *Scheduler) Update(activeCount int) {
	s.mu.Lock()
	s.policy.ActiveCount = activeCount
	changed, running := s.reconcileLocked()
	s.mu.Unlock()
	s.report(changed, running)
}

// Force keeps polling for the grace period from now, covering the delay
// between issuing an action and the job turning active on the server
func (s *Scheduler) Force() {
	s.ForceFor(s.grace)
}

// ForceFor keeps polling for d from now
func (s *Scheduler) ForceFor(d time.Duration) {
	s.mu.Lock()
	until := s.clock.Now().Add(d)
	if until.After(s.policy.ForcedUntil) {
		s.policy.ForcedUntil = until
	}
	changed, running := s.reconcileLocked()
	s.mu.Unlock()
	s.report(changed, running)
}

// ShouldPoll reports the policy decision at the current time
func (s *Scheduler) ShouldPoll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.ShouldPoll(s.clock.Now())
}

// Policy returns the current policy state
func (s *Scheduler) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Running reports whether a pull is scheduled or in progress
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pulls returns the number of pulls performed so far
func (s *Scheduler) Pulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}

// Close stops polling permanently and cancels an in-progress pull
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	s.cancel()
	s.report(wasRunning, false)
}

// reconcileLocked arms or disarms the timer to match the policy. It reports
// whether the running state changed and its new value.
func (s *Scheduler) reconcileLocked() (bool, bool) {
	if s.closed {
		return false, false
	}
	want := s.policy.ShouldPoll(s.clock.Now())
	switch {
	case want && !s.running:
		s.running = true
		s.armLocked()
		return true, true
	case !want && s.running && !s.inflight:
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.running = false
		return true, false
	}
	return false, s.running
}

func (s *Scheduler) armLocked() {
	s.timer = s.clock.AfterFunc(s.interval, s.tick)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	s.timer = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.policy.ShouldPoll(s.clock.Now()) {
		s.running = false
		s.mu.Unlock()
		s.report(true, false)
		return
	}
	s.inflight = true
	s.pulls++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	err := s.pull(ctx)
	cancel()
	if err != nil {
		s.log.Warn("pull failed", "error", err)
	}

	s.mu.Lock()
	s.inflight = false
	stopped := false
	if !s.closed && s.policy.ShouldPoll(s.clock.Now()) {
		s.armLocked()
	} else if s.running {
		s.running = false
		stopped = true
	}
	s.mu.Unlock()
	s.report(stopped, false)
}

func (s *Scheduler) report(changed, running bool) {
	if !changed {
		return
	}
	if running {
		s.log.Debug("polling started")
	} else {
		s.log.Debug("polling stopped")
	}
	if s.onState != nil {
		s.onState(running)
	}
}
