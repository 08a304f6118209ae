package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/logcursor"
	"github.com/osteele/jobwatch/internal/store"

	_ "modernc.org/sqlite"
)

// CachedJob is a job as last seen by this client
type CachedJob struct {
	Job     store.Job
	SavedAt int64
}

// DefaultPath returns the cache location under the user's cache directory
func DefaultPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".cache")
	}
	return filepath.Join(dir, "jobwatch", "cache.db")
}

// Open opens the cache at path, creating it if necessary
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; the syncer writes from several goroutines
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return db, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at INTEGER,
		completed_at INTEGER,
		payload TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);

	CREATE TABLE IF NOT EXISTS log_cursors (
		job_id TEXT PRIMARY KEY,
		watermark TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS log_lines (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		line TEXT NOT NULL,
		PRIMARY KEY (job_id, seq)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// SaveJobs writes the given jobs in one transaction, replacing earlier
// copies
func SaveJobs(db *sql.DB, jobs []store.Job, savedAt time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO jobs (id, status, created_at, completed_at, payload, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, j := range jobs {
		payload, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", j.ID, err)
		}
		if _, err := stmt.Exec(j.ID, string(j.Status), unixOrNil(j.CreatedAt), unixOrNil(j.CompletedAt), string(payload), savedAt.Unix()); err != nil {
			return fmt.Errorf("save job %s: %w", j.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteJob removes a job and its log cursor
func DeleteJob(db *sql.DB, id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM jobs WHERE id = ?`,
		`DELETE FROM log_cursors WHERE job_id = ?`,
		`DELETE FROM log_lines WHERE job_id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetJob returns one cached job, or nil if it isn't cached
func GetJob(db *sql.DB, id string) (*CachedJob, error) {
	jobs, err := queryJobs(db, `SELECT payload, saved_at FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// ListJobs returns cached jobs, newest first, optionally filtered by status
func ListJobs(db *sql.DB, status string, limit int) ([]*CachedJob, error) {
	query := `SELECT payload, saved_at FROM jobs`
	var args []interface{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryJobs(db, query, args...)
}

func queryJobs(db *sql.DB, query string, args ...interface{}) ([]*CachedJob, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*CachedJob
	for rows.Next() {
		var payload string
		var c CachedJob
		if err := rows.Scan(&payload, &c.SavedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &c.Job); err != nil {
			return nil, fmt.Errorf("decode cached job: %w", err)
		}
		jobs = append(jobs, &c)
	}
	return jobs, rows.Err()
}

// SaveCursor stores a job's log cursor, replacing the previous one
func SaveCursor(db *sql.DB, jobID string, c logcursor.Cursor) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM log_lines WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO log_cursors (job_id, watermark, updated_at) VALUES (?, ?, ?)`,
		jobID, c.Watermark, time.Now().Unix(),
	); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO log_lines (job_id, seq, line) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, line := range c.Lines {
		if _, err := stmt.Exec(jobID, i, line); err != nil {
			return fmt.Errorf("save log line: %w", err)
		}
	}
	return tx.Commit()
}

// LoadCursor returns a job's stored log cursor. The bool is false when none
// is stored.
func LoadCursor(db *sql.DB, jobID string) (logcursor.Cursor, bool, error) {
	var c logcursor.Cursor
	err := db.QueryRow(`SELECT watermark FROM log_cursors WHERE job_id = ?`, jobID).Scan(&c.Watermark)
	if err == sql.ErrNoRows {
		return c, false, nil
	}
	if err != nil {
		return c, false, err
	}

	rows, err := db.Query(`SELECT line FROM log_lines WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return c, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return c, false, err
		}
		c.Lines = append(c.Lines, line)
	}
	return c, true, rows.Err()
}

// prunable are the statuses of jobs that are no longer progressing
var prunable = []lifecycle.Status{
	lifecycle.StatusCompleted,
	lifecycle.StatusFailed,
	lifecycle.StatusStopped,
	lifecycle.StatusCancelled,
}

// Prune deletes finished jobs and their logs. With olderThan set, only jobs
// that finished (or, lacking a completion time, were created) before it are
// removed.
func Prune(db *sql.DB, olderThan *time.Time) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(prunable)), ", ")
	where := `status IN (` + placeholders + `)`
	var args []interface{}
	for _, s := range prunable {
		args = append(args, string(s))
	}
	if olderThan != nil {
		where += ` AND COALESCE(completed_at, created_at, saved_at) < ?`
		args = append(args, olderThan.Unix())
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"log_lines", "log_cursors"} {
		q := `DELETE FROM ` + table + ` WHERE job_id IN (SELECT id FROM jobs WHERE ` + where + `)`
		if _, err := tx.Exec(q, args...); err != nil {
			return 0, err
		}
	}
	result, err := tx.Exec(`DELETE FROM jobs WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// FormatDuration formats a duration in human-readable form
func FormatDuration(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}
