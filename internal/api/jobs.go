package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/logcursor"
	"github.com/osteele/jobwatch/internal/store"
	"github.com/osteele/jobwatch/internal/stream"
)

// DefaultListLimit is the page size for job listings
const DefaultListLimit = 100

// wireJob is a job as the server serializes it
type wireJob struct {
	JobID           string           `json:"job_id"`
	TargetUsernames []string         `json:"target_usernames"`
	Status          lifecycle.Status `json:"status"`
	CreatedAt       string           `json:"created_at"`
	StartedAt       string           `json:"started_at"`
	CompletedAt     string           `json:"completed_at"`
	ScraperAccount  string           `json:"scraper_account"`
	Stats           *store.Stats     `json:"stats"`
	Errors          []string         `json:"errors"`
	ProcessArticles bool             `json:"process_articles"`
	MaxTweets       *int             `json:"max_tweets"`
}

func (w wireJob) job() store.Job {
	j := store.Job{
		ID:     w.JobID,
		Status: w.Status,
		Target: store.Target{
			Usernames:       w.TargetUsernames,
			ProcessArticles: w.ProcessArticles,
			MaxTweets:       w.MaxTweets,
			ScraperAccount:  w.ScraperAccount,
		},
		CreatedAt:   optionalTime(w.CreatedAt),
		StartedAt:   optionalTime(w.StartedAt),
		CompletedAt: optionalTime(w.CompletedAt),
		Errors:      w.Errors,
	}
	if w.Stats != nil {
		j.Stats = *w.Stats
	}
	if j.Errors == nil {
		j.Errors = []string{}
	}
	return j
}

func optionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := stream.ParseTime(s)
	if err != nil {
		return nil
	}
	return &t
}

// ListJobs fetches the most recent jobs. The snapshot is stamped with the
// server's Date header, or the time the request was issued. It is marked
// complete only when the listing came back shorter than the limit.
func (c *Client) ListJobs(ctx context.Context, limit int) (store.Snapshot, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var jobs []wireJob
	res, err := c.do(ctx, http.MethodGet, "/jobs/", url.Values{"limit": {strconv.Itoa(limit)}}, nil, &jobs)
	if err != nil {
		return store.Snapshot{}, err
	}
	snap := store.Snapshot{At: res.stamp(), Complete: len(jobs) < limit}
	for _, w := range jobs {
		if w.JobID == "" {
			continue
		}
		snap.Jobs = append(snap.Jobs, w.job())
	}
	return snap, nil
}

// GetJob fetches one job together with the time to stamp it with
func (c *Client) GetJob(ctx context.Context, id string) (store.Job, time.Time, error) {
	var w wireJob
	res, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &w)
	if err != nil {
		return store.Job{}, time.Time{}, err
	}
	return w.job(), res.stamp(), nil
}

// CreateRequest describes a new job
type CreateRequest struct {
	TargetUsernames []string `json:"target_usernames"`
	ProcessArticles bool     `json:"process_articles"`
	MaxTweets       *int     `json:"max_tweets,omitempty"`
	ScraperAccount  string   `json:"scraper_account,omitempty"`
}

// NormalizeUsername strips a leading @ and surrounding space and lowercases
// the name
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(name), "@")))
}

// Normalize cleans the usernames and drops empty and repeated ones
func (r CreateRequest) Normalize() CreateRequest {
	var users []string
	seen := make(map[string]bool)
	for _, u := range r.TargetUsernames {
		if n := NormalizeUsername(u); n != "" && !seen[n] {
			seen[n] = true
			users = append(users, n)
		}
	}
	r.TargetUsernames = users
	return r
}

// CreateJob creates a job and returns its id
func (c *Client) CreateJob(ctx context.Context, req CreateRequest) (string, error) {
	req = req.Normalize()
	if len(req.TargetUsernames) == 0 {
		return "", fmt.Errorf("create job: no valid target usernames")
	}
	out, err := c.action(ctx, http.MethodPost, "/jobs/", req)
	if err != nil {
		return "", err
	}
	id, _ := out.Data["job_id"].(string)
	if id == "" {
		return "", fmt.Errorf("create job: response carried no job_id")
	}
	return id, nil
}

// StartJob marks a job as started
func (c *Client) StartJob(ctx context.Context, id string) (ActionResult, error) {
	return c.action(ctx, http.MethodPut, "/jobs/"+url.PathEscape(id)+"/start", nil)
}

// StopJob stops a running job
func (c *Client) StopJob(ctx context.Context, id string) (ActionResult, error) {
	return c.action(ctx, http.MethodPut, "/jobs/"+url.PathEscape(id)+"/stop", nil)
}

// RunJob asks the server to execute a job
func (c *Client) RunJob(ctx context.Context, id string) (ActionResult, error) {
	return c.action(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/run", nil)
}

// DeleteJob removes a job
func (c *Client) DeleteJob(ctx context.Context, id string) (ActionResult, error) {
	return c.action(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil)
}

type wireLogs struct {
	Lines         []string `json:"lines"`
	LastTimestamp *string  `json:"last_timestamp"`
}

// Logs fetches the log lines after since. An empty since replays from the
// start.
func (c *Client) Logs(ctx context.Context, id, since string) (logcursor.Delta, error) {
	var q url.Values
	if since != "" {
		q = url.Values{"since": {since}}
	}
	var w wireLogs
	if _, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/logs", q, nil, &w); err != nil {
		return logcursor.Delta{}, err
	}
	return logcursor.Delta{Lines: w.Lines, LastTimestamp: w.LastTimestamp}, nil
}

// JobStatistics is the server's summary over a window of days
type JobStatistics struct {
	TotalJobs         int                       `json:"total_jobs"`
	CompletedJobs     int                       `json:"completed_jobs"`
	FailedJobs        int                       `json:"failed_jobs"`
	TotalTweets       int                       `json:"total_tweets"`
	TotalArticles     int                       `json:"total_articles"`
	SuccessRate       float64                   `json:"success_rate"`
	AvgProcessingTime float64                   `json:"avg_processing_time"`
	DailyStats        map[string]map[string]int `json:"daily_stats"`
}

// JobStats fetches the summary for the last days
func (c *Client) JobStats(ctx context.Context, days int) (JobStatistics, error) {
	var q url.Values
	if days > 0 {
		q = url.Values{"days": {strconv.Itoa(days)}}
	}
	var out JobStatistics
	_, err := c.do(ctx, http.MethodGet, "/jobs/stats/summary", q, nil, &out)
	return out, err
}
