// Package store holds the client's single source of truth for known jobs.
//
// Updates arrive from two channels that race each other: pushed messages and
// polled snapshots. Every field of every job remembers the source timestamp
// of the value it holds, and an incoming value only replaces it if its own
// timestamp is not older. Arrival order therefore never decides the outcome.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/osteele/jobwatch/internal/lifecycle"
)

// ChangeKind describes what a Change notification covers
type ChangeKind int

const (
	ChangeUpsert ChangeKind = iota
	ChangeRemove
)

// Change is delivered to subscribers after every mutation that altered state
type Change struct {
	Kind   ChangeKind
	JobIDs []string
	// ActiveCount is the number of active jobs after the change
	ActiveCount int
}

// Result reports what ApplyPatch did
type Result struct {
	Created bool
	Applied []Field
	// Stale lists fields skipped because the stored value is newer
	Stale []Field
	// Ignored is set when the job was deleted after the patch's timestamp
	Ignored bool
}

// Changed reports whether the patch modified the store
func (r Result) Changed() bool {
	return r.Created || len(r.Applied) > 0
}

// Snapshot is a full listing obtained from the pull channel
type Snapshot struct {
	At   time.Time
	Jobs []Job
	// Complete marks a listing that covers every job on the server. Jobs
	// missing from a complete snapshot, and not written since, are dropped.
	Complete bool
}

// SnapshotResult summarises a SetSnapshot call
type SnapshotResult struct {
	Added   int
	Updated int
	Removed int
	Stale   int
}

type entry struct {
	job    Job
	stamps map[Field]time.Time
}

// Store is safe for concurrent use
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	deleted map[string]time.Time

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// New returns an empty store
func New() *Store {
	return &Store{
		entries: make(map[string]*entry),
		deleted: make(map[string]time.Time),
		subs:    make(map[int]func(Change)),
	}
}

// ApplyPatch shallow-merges p into the job with the given id, creating the
// job if it is unseen. Fields absent from p are left untouched.
func (s *Store) ApplyPatch(id string, p Patch) Result {
	s.mu.Lock()
	res := s.applyLocked(id, p)
	active := s.activeCountLocked()
	s.mu.Unlock()

	if res.Changed() {
		s.notify(Change{Kind: ChangeUpsert, JobIDs: []string{id}, ActiveCount: active})
	}
	return res
}

// SetSnapshot merges a pull-channel listing. Each job in the snapshot is
// applied field by field at snap.At, so values pushed more recently than the
// snapshot survive it.
func (s *Store) SetSnapshot(snap Snapshot) SnapshotResult {
	var sr SnapshotResult
	var upserted, removed []string

	s.mu.Lock()
	seen := make(map[string]bool, len(snap.Jobs))
	for _, job := range snap.Jobs {
		if job.ID == "" {
			continue
		}
		seen[job.ID] = true
		res := s.applyLocked(job.ID, FullPatch(job, snap.At, SourcePull))
		sr.Stale += len(res.Stale)
		switch {
		case res.Created:
			sr.Added++
			upserted = append(upserted, job.ID)
		case len(res.Applied) > 0:
			sr.Updated++
			upserted = append(upserted, job.ID)
		}
	}

	if snap.Complete {
		for _, id := range append([]string(nil), s.order...) {
			if seen[id] {
				continue
			}
			if s.entries[id].newestLocked().Before(snap.At) {
				s.removeLocked(id, snap.At)
				removed = append(removed, id)
			}
		}
		sr.Removed = len(removed)
	}
	active := s.activeCountLocked()
	s.mu.Unlock()

	if len(upserted) > 0 {
		s.notify(Change{Kind: ChangeUpsert, JobIDs: upserted, ActiveCount: active})
	}
	if len(removed) > 0 {
		s.notify(Change{Kind: ChangeRemove, JobIDs: removed, ActiveCount: active})
	}
	return sr
}

// Remove drops a job after its deletion was confirmed at the given time.
// Later patches older than at are ignored so a stale snapshot cannot bring
// the job back.
func (s *Store) Remove(id string, at time.Time) bool {
	s.mu.Lock()
	_, ok := s.entries[id]
	s.removeLocked(id, at)
	active := s.activeCountLocked()
	s.mu.Unlock()

	if ok {
		s.notify(Change{Kind: ChangeRemove, JobIDs: []string{id}, ActiveCount: active})
	}
	return ok
}

// Job returns a copy of one job
func (s *Store) Job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Job{}, false
	}
	return e.job.Clone(), true
}

// Jobs returns copies of all jobs in insertion order
func (s *Store) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].job.Clone())
	}
	return out
}

// Len returns the number of known jobs
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// ActiveCount returns the number of jobs in an active status
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked()
}

// FieldTime returns the source timestamp of a job's field
func (s *Store) FieldTime(id string, f Field) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	t, ok := e.stamps[f]
	return t, ok
}

// Subscribe registers fn to be called after every change. Callbacks run on
// the mutating goroutine, outside the store lock. The returned func
// unsubscribes.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (s *Store) activeCountLocked() int {
	n := 0
	for _, id := range s.order {
		if s.entries[id].job.Active() {
			n++
		}
	}
	return n
}

func (s *Store) removeLocked(id string, at time.Time) {
	if prev, ok := s.deleted[id]; !ok || at.After(prev) {
		s.deleted[id] = at
	}
	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) applyLocked(id string, p Patch) Result {
	var res Result
	if tomb, ok := s.deleted[id]; ok {
		if !p.At.After(tomb) {
			res.Ignored = true
			return res
		}
		delete(s.deleted, id)
	}

	e, ok := s.entries[id]
	if !ok {
		e = &entry{job: Job{ID: id}, stamps: make(map[Field]time.Time)}
		s.entries[id] = e
		s.order = append(s.order, id)
		res.Created = true
	}

	// newer reports whether the patch may overwrite f, recording the result
	newer := func(f Field) bool {
		if stamp, ok := e.stamps[f]; ok && stamp.After(p.At) {
			res.Stale = append(res.Stale, f)
			return false
		}
		e.stamps[f] = p.At
		res.Applied = append(res.Applied, f)
		return true
	}

	prevStatus := e.job.Status
	newRun := false

	if p.Status != nil && newer(FieldStatus) {
		e.job.Status = *p.Status
		if lifecycle.ClassOf(*p.Status) == lifecycle.ClassActive && lifecycle.ClassOf(prevStatus) != lifecycle.ClassActive {
			newRun = true
		}
	}
	if p.Target != nil && newer(FieldTarget) {
		e.job.Target = p.Target.clone()
	}
	if p.CreatedAt != nil || hasField(p.Clear, FieldCreatedAt) {
		if newer(FieldCreatedAt) {
			e.job.CreatedAt = cloneTime(p.CreatedAt)
		}
	}
	if p.StartedAt != nil || hasField(p.Clear, FieldStartedAt) {
		if newer(FieldStartedAt) {
			if !sameTime(e.job.StartedAt, p.StartedAt) && p.StartedAt != nil {
				newRun = true
			}
			e.job.StartedAt = cloneTime(p.StartedAt)
		}
	}
	if p.CompletedAt != nil || hasField(p.Clear, FieldCompletedAt) {
		if newer(FieldCompletedAt) {
			e.job.CompletedAt = cloneTime(p.CompletedAt)
		}
	}
	if p.Stats != nil && newer(FieldStats) {
		if newRun || res.Created {
			e.job.Stats = *p.Stats
		} else {
			e.job.Stats = e.job.Stats.Max(*p.Stats)
		}
	}
	if p.Errors != nil && newer(FieldErrors) {
		e.job.Errors = append([]string{}, p.Errors...)
	}
	return res
}

func (e *entry) newestLocked() time.Time {
	var newest time.Time
	for _, t := range e.stamps {
		if t.After(newest) {
			newest = t
		}
	}
	return newest
}

func hasField(fields []Field, f Field) bool {
	for _, other := range fields {
		if other == f {
			return true
		}
	}
	return false
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
