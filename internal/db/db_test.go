package db

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/logcursor"
	"github.com/osteele/jobwatch/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func at(hour int) *time.Time {
	t := time.Date(2024, 3, 1, hour, 0, 0, 0, time.UTC)
	return &t
}

func TestSaveAndListJobs(t *testing.T) {
	db := openTestDB(t)
	jobs := []store.Job{
		{ID: "old", Status: lifecycle.StatusCompleted, CreatedAt: at(1), CompletedAt: at(2)},
		{ID: "new", Status: lifecycle.StatusRunning, CreatedAt: at(5),
			Target: store.Target{Usernames: []string{"alice"}}, Stats: store.Stats{TweetsCollected: 7}},
	}
	if err := SaveJobs(db, jobs, time.Now()); err != nil {
		t.Fatalf("SaveJobs() error = %v", err)
	}

	got, err := ListJobs(db, "", 0)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListJobs() returned %d jobs, want 2", len(got))
	}
	if got[0].Job.ID != "new" {
		t.Errorf("ListJobs()[0].ID = %q, want %q", got[0].Job.ID, "new")
	}
	if got[0].Job.Stats.TweetsCollected != 7 {
		t.Errorf("TweetsCollected = %d, want 7", got[0].Job.Stats.TweetsCollected)
	}
	if len(got[0].Job.Target.Usernames) != 1 || got[0].Job.Target.Usernames[0] != "alice" {
		t.Errorf("Usernames = %v, want [alice]", got[0].Job.Target.Usernames)
	}

	running, err := ListJobs(db, string(lifecycle.StatusRunning), 10)
	if err != nil {
		t.Fatalf("ListJobs(running) error = %v", err)
	}
	if len(running) != 1 || running[0].Job.ID != "new" {
		t.Errorf("ListJobs(running) = %v, want [new]", running)
	}
}

func TestSaveJobsReplaces(t *testing.T) {
	db := openTestDB(t)
	j := store.Job{ID: "j1", Status: lifecycle.StatusPending}
	if err := SaveJobs(db, []store.Job{j}, time.Now()); err != nil {
		t.Fatal(err)
	}
	j.Status = lifecycle.StatusRunning
	if err := SaveJobs(db, []store.Job{j}, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := GetJob(db, "j1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got == nil || got.Job.Status != lifecycle.StatusRunning {
		t.Errorf("GetJob() = %+v, want running", got)
	}

	missing, err := GetJob(db, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetJob(nope) = %v, %v, want nil, nil", missing, err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if _, ok, err := LoadCursor(db, "j1"); err != nil || ok {
		t.Fatalf("LoadCursor() on empty cache = ok %v, err %v", ok, err)
	}

	want := logcursor.Cursor{Watermark: "t2", Lines: []string{"a", "b", "c"}}
	if err := SaveCursor(db, "j1", want); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	// Saving again replaces rather than appends
	if err := SaveCursor(db, "j1", want); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}

	got, ok, err := LoadCursor(db, "j1")
	if err != nil || !ok {
		t.Fatalf("LoadCursor() = ok %v, err %v", ok, err)
	}
	if got.Watermark != "t2" {
		t.Errorf("Watermark = %q, want %q", got.Watermark, "t2")
	}
	if len(got.Lines) != 3 || got.Lines[0] != "a" || got.Lines[2] != "c" {
		t.Errorf("Lines = %v, want %v", got.Lines, want.Lines)
	}
}

func TestDeleteJob(t *testing.T) {
	db := openTestDB(t)
	if err := SaveJobs(db, []store.Job{{ID: "j1", Status: lifecycle.StatusFailed}}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := SaveCursor(db, "j1", logcursor.Cursor{Watermark: "t1", Lines: []string{"x"}}); err != nil {
		t.Fatal(err)
	}
	if err := DeleteJob(db, "j1"); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	if got, _ := GetJob(db, "j1"); got != nil {
		t.Errorf("GetJob() after delete = %+v, want nil", got)
	}
	if _, ok, _ := LoadCursor(db, "j1"); ok {
		t.Error("cursor survived DeleteJob")
	}
}

func TestPrune(t *testing.T) {
	db := openTestDB(t)
	jobs := []store.Job{
		{ID: "done-old", Status: lifecycle.StatusCompleted, CreatedAt: at(1), CompletedAt: at(2)},
		{ID: "done-new", Status: lifecycle.StatusCompleted, CreatedAt: at(9), CompletedAt: at(10)},
		{ID: "failed-old", Status: lifecycle.StatusFailed, CreatedAt: at(1)},
		{ID: "running-old", Status: lifecycle.StatusRunning, CreatedAt: at(1)},
	}
	if err := SaveJobs(db, jobs, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := SaveCursor(db, "done-old", logcursor.Cursor{Watermark: "t", Lines: []string{"x"}}); err != nil {
		t.Fatal(err)
	}

	n, err := Prune(db, at(5))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() = %d, want 2", n)
	}
	if _, ok, _ := LoadCursor(db, "done-old"); ok {
		t.Error("pruned job kept its cursor")
	}

	left, _ := ListJobs(db, "", 0)
	ids := map[string]bool{}
	for _, c := range left {
		ids[c.Job.ID] = true
	}
	if !ids["done-new"] || !ids["running-old"] || len(ids) != 2 {
		t.Errorf("remaining jobs = %v, want done-new and running-old", ids)
	}

	n, err = Prune(db, nil)
	if err != nil {
		t.Fatalf("Prune(nil) error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune(nil) = %d, want 1", n)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds  int64
		expected string
	}{
		{0, "0s"},
		{1, "1s"},
		{59, "59s"},
		{60, "1m"},
		{61, "1m 1s"},
		{119, "1m 59s"},
		{120, "2m"},
		{3600, "1h"},
		{3661, "1h 1m 1s"},
		{7325, "2h 2m 5s"},
		{86400, "24h"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := FormatDuration(tt.seconds)
			if got != tt.expected {
				t.Errorf("FormatDuration(%d) = %q, want %q", tt.seconds, got, tt.expected)
			}
		})
	}
}
