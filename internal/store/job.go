package store

import (
	"slices"
	"time"

	"github.com/osteele/jobwatch/internal/lifecycle"
)

// Stats holds a job's progress counters. Counters only grow within a run.
type Stats struct {
	TweetsCollected       int     `json:"tweets_collected"`
	ArticlesExtracted     int     `json:"articles_extracted"`
	MediaDownloaded       int     `json:"media_downloaded"`
	ErrorsCount           int     `json:"errors_count"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
	PagesScrolled         int     `json:"pages_scrolled"`
	APIRequestsMade       int     `json:"api_requests_made"`
}

// Max returns the counter-wise maximum of s and o
func (s Stats) Max(o Stats) Stats {
	return Stats{
		TweetsCollected:       max(s.TweetsCollected, o.TweetsCollected),
		ArticlesExtracted:     max(s.ArticlesExtracted, o.ArticlesExtracted),
		MediaDownloaded:       max(s.MediaDownloaded, o.MediaDownloaded),
		ErrorsCount:           max(s.ErrorsCount, o.ErrorsCount),
		ProcessingTimeSeconds: max(s.ProcessingTimeSeconds, o.ProcessingTimeSeconds),
		PagesScrolled:         max(s.PagesScrolled, o.PagesScrolled),
		APIRequestsMade:       max(s.APIRequestsMade, o.APIRequestsMade),
	}
}

// Target describes what a job works on. The store treats it as one opaque
// field.
type Target struct {
	Usernames       []string `json:"target_usernames"`
	ProcessArticles bool     `json:"process_articles"`
	MaxTweets       *int     `json:"max_tweets,omitempty"`
	ScraperAccount  string   `json:"scraper_account,omitempty"`
}

func (t Target) clone() Target {
	t.Usernames = slices.Clone(t.Usernames)
	if t.MaxTweets != nil {
		v := *t.MaxTweets
		t.MaxTweets = &v
	}
	return t
}

// Job is the client's view of a server-managed job
type Job struct {
	ID          string           `json:"job_id"`
	Status      lifecycle.Status `json:"status"`
	Target      Target           `json:"target"`
	Stats       Stats            `json:"stats"`
	CreatedAt   *time.Time       `json:"created_at,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Errors      []string         `json:"errors,omitempty"`
}

// Clone returns a deep copy of the job
func (j Job) Clone() Job {
	j.Target = j.Target.clone()
	j.CreatedAt = cloneTime(j.CreatedAt)
	j.StartedAt = cloneTime(j.StartedAt)
	j.CompletedAt = cloneTime(j.CompletedAt)
	j.Errors = slices.Clone(j.Errors)
	return j
}

// Active reports whether the server is making progress on the job
func (j Job) Active() bool {
	return lifecycle.IsActive(j.Status)
}

// Duration returns how long the job has run, up to now if still running
func (j Job) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	if end.Before(*j.StartedAt) {
		return 0
	}
	return end.Sub(*j.StartedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Field names one independently reconciled job attribute
type Field string

const (
	FieldStatus      Field = "status"
	FieldTarget      Field = "target"
	FieldStats       Field = "stats"
	FieldCreatedAt   Field = "created_at"
	FieldStartedAt   Field = "started_at"
	FieldCompletedAt Field = "completed_at"
	FieldErrors      Field = "errors"
)

// Source identifies which channel produced an update
type Source int

const (
	SourcePush Source = iota
	SourcePull
	// SourceLocal is used for data the client produced itself, such as
	// cached state loaded at startup.
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourcePull:
		return "pull"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Patch is a partial update to one job. Nil fields are absent and leave the
// stored value untouched.
type Patch struct {
	// At is the source timestamp of the data, used for last-write-wins
	// reconciliation per field.
	At     time.Time
	Source Source

	Status      *lifecycle.Status
	Target      *Target
	Stats       *Stats
	CreatedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	// Errors is absent when nil; an empty non-nil slice clears the list.
	Errors []string

	// Clear names timestamp fields the source explicitly reported as null
	Clear []Field
}

// Fields lists the fields the patch carries
func (p Patch) Fields() []Field {
	var out []Field
	if p.Status != nil {
		out = append(out, FieldStatus)
	}
	if p.Target != nil {
		out = append(out, FieldTarget)
	}
	if p.Stats != nil {
		out = append(out, FieldStats)
	}
	if p.CreatedAt != nil || slices.Contains(p.Clear, FieldCreatedAt) {
		out = append(out, FieldCreatedAt)
	}
	if p.StartedAt != nil || slices.Contains(p.Clear, FieldStartedAt) {
		out = append(out, FieldStartedAt)
	}
	if p.CompletedAt != nil || slices.Contains(p.Clear, FieldCompletedAt) {
		out = append(out, FieldCompletedAt)
	}
	if p.Errors != nil {
		out = append(out, FieldErrors)
	}
	return out
}

// FullPatch converts a complete job record, such as one row of a snapshot,
// into a patch that sets every field. Nil timestamps become explicit nulls.
func FullPatch(j Job, at time.Time, src Source) Patch {
	j = j.Clone()
	p := Patch{
		At:          at,
		Source:      src,
		Status:      &j.Status,
		Target:      &j.Target,
		Stats:       &j.Stats,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Errors:      j.Errors,
	}
	if p.Errors == nil {
		p.Errors = []string{}
	}
	if j.CreatedAt == nil {
		p.Clear = append(p.Clear, FieldCreatedAt)
	}
	if j.StartedAt == nil {
		p.Clear = append(p.Clear, FieldStartedAt)
	}
	if j.CompletedAt == nil {
		p.Clear = append(p.Clear, FieldCompletedAt)
	}
	return p
}
