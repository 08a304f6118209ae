// Package logcursor tails per-job logs incrementally. Each job has a cursor
// holding the watermark of the last delta applied and the lines seen so far.
package logcursor

import (
	"errors"
	"slices"
	"sync"
)

// ErrStaleDelta is returned when a delta no longer matches the cursor it was
// requested for, because a newer delta or a reset got there first
var ErrStaleDelta = errors.New("stale log delta")

// Delta is one response from the job log endpoint
type Delta struct {
	Lines []string
	// LastTimestamp is the watermark after these lines. Nil means the
	// server had no new data; it never resets the cursor.
	LastTimestamp *string
}

// Request captures the cursor state a fetch was issued against
type Request struct {
	JobID string
	// Since is the watermark to send to the server, empty for a full replay
	Since string
	epoch uint64
}

// Cursor is a snapshot of one job's tailing state
type Cursor struct {
	Watermark string
	Lines     []string
}

// Compare orders watermarks. It returns a negative number when a sorts
// before b, zero when equal and positive otherwise.
type Compare func(a, b string) int

type cursor struct {
	watermark string
	lines     []string
	epoch     uint64
}

// Tracker holds cursors for any number of jobs and is safe for concurrent use
type Tracker struct {
	mu       sync.Mutex
	cursors  map[string]*cursor
	compare  Compare
	maxLines int
	epoch    uint64

	subMu sync.Mutex
	subs  []func(jobID string)
}

// Options configures a Tracker
type Options struct {
	// Compare defaults to plain string comparison, which orders ISO-8601
	// timestamps correctly.
	Compare Compare
	// MaxLines caps each buffer; the oldest lines are dropped first.
	// Zero means unbounded.
	MaxLines int
}

// New returns an empty Tracker
func New(opts Options) *Tracker {
	cmp := opts.Compare
	if cmp == nil {
		cmp = func(a, b string) int {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		}
	}
	return &Tracker{
		cursors:  make(map[string]*cursor),
		compare:  cmp,
		maxLines: opts.MaxLines,
	}
}

// Begin returns the request to issue for the next fetch of jobID, creating
// the cursor on first use
func (t *Tracker) Begin(jobID string) Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cursorLocked(jobID)
	return Request{JobID: jobID, Since: c.watermark, epoch: c.epoch}
}

// Apply merges a fetched delta into the cursor the request was made from.
// It returns the number of lines appended. A delta whose request no longer
// matches the cursor is discarded with ErrStaleDelta; a delta without a
// watermark, or with an empty line list at the same watermark, is a no-op.
func (t *Tracker) Apply(req Request, d Delta) (int, error) {
	t.mu.Lock()
	c := t.cursorLocked(req.JobID)
	if c.epoch != req.epoch || c.watermark != req.Since {
		t.mu.Unlock()
		return 0, ErrStaleDelta
	}
	if d.LastTimestamp == nil {
		t.mu.Unlock()
		return 0, nil
	}
	if c.watermark != "" && t.compare(*d.LastTimestamp, c.watermark) < 0 {
		t.mu.Unlock()
		return 0, ErrStaleDelta
	}

	advanced := *d.LastTimestamp != c.watermark
	c.watermark = *d.LastTimestamp
	c.lines = append(c.lines, d.Lines...)
	if t.maxLines > 0 && len(c.lines) > t.maxLines {
		c.lines = slices.Clone(c.lines[len(c.lines)-t.maxLines:])
	}
	n := len(d.Lines)
	t.mu.Unlock()

	if n > 0 || advanced {
		t.notify(req.JobID)
	}
	return n, nil
}

// Reset discards a job's cursor so the next fetch replays the log from the
// start. In-flight fetches begun before the reset are discarded on arrival.
func (t *Tracker) Reset(jobID string) {
	t.mu.Lock()
	t.epoch++
	t.cursors[jobID] = &cursor{epoch: t.epoch}
	t.mu.Unlock()

	t.notify(jobID)
}

// Forget drops all state for a job, for example after it was deleted.
// In-flight fetches begun before it are discarded on arrival.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	delete(t.cursors, jobID)
}

// Restore installs previously persisted state for a job
func (t *Tracker) Restore(jobID string, c Cursor) {
	t.mu.Lock()
	t.epoch++
	t.cursors[jobID] = &cursor{
		watermark: c.Watermark,
		lines:     slices.Clone(c.Lines),
		epoch:     t.epoch,
	}
	t.mu.Unlock()
}

// Lines returns a copy of the job's buffered lines
func (t *Tracker) Lines(jobID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.cursors[jobID]; ok {
		return slices.Clone(c.lines)
	}
	return nil
}

// Watermark returns the job's current watermark, empty if none
func (t *Tracker) Watermark(jobID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.cursors[jobID]; ok {
		return c.watermark
	}
	return ""
}

// Snapshot returns a copy of the job's cursor
func (t *Tracker) Snapshot(jobID string) (Cursor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cursors[jobID]
	if !ok {
		return Cursor{}, false
	}
	return Cursor{Watermark: c.watermark, Lines: slices.Clone(c.lines)}, true
}

// Subscribe registers fn to be called with the job id whenever a buffer grows
// or is reset
func (t *Tracker) Subscribe(fn func(jobID string)) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subs = append(t.subs, fn)
}

func (t *Tracker) notify(jobID string) {
	t.subMu.Lock()
	subs := slices.Clone(t.subs)
	t.subMu.Unlock()
	for _, fn := range subs {
		fn(jobID)
	}
}

func (t *Tracker) cursorLocked(jobID string) *cursor {
	c, ok := t.cursors[jobID]
	if !ok {
		c = &cursor{epoch: t.epoch}
		t.cursors[jobID] = c
	}
	return c
}
