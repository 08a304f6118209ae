package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/osteele/jobwatch/internal/db"
	"github.com/osteele/jobwatch/internal/logcursor"
	"github.com/osteele/jobwatch/internal/metrics"
)

// OpenLog resets the job's cursor so the next fetch replays its log from
// the start. Call it whenever a log view is (re)opened.
func (s *Syncer) OpenLog(id string) {
	s.logs.Reset(id)
}

// FetchLog fetches and appends the job's new log lines, returning how many
// were added. Re-fetching at the same watermark adds nothing. A response
// overtaken by a newer fetch or a reset is dropped silently.
func (s *Syncer) FetchLog(ctx context.Context, id string) (int, error) {
	req := s.logs.Begin(id)
	delta, err := s.client.Logs(ctx, id, req.Since)
	if err != nil {
		return 0, fmt.Errorf("fetch log %s: %w", id, err)
	}

	n, err := s.logs.Apply(req, delta)
	if errors.Is(err, logcursor.ErrStaleDelta) {
		s.log.Debug("stale log delta dropped", "job", id, "since", req.Since)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	metrics.LogLinesTotal.Add(float64(n))

	if n > 0 && s.cache != nil {
		if c, ok := s.logs.Snapshot(id); ok {
			if err := db.SaveCursor(s.cache, id, c); err != nil {
				s.log.Warn("save log cursor failed", "job", id, "error", err)
			}
		}
	}
	return n, nil
}

// LogLines returns the buffered lines of a job's log
func (s *Syncer) LogLines(id string) []string {
	return s.logs.Lines(id)
}

// LogWatermark returns the watermark of a job's log cursor
func (s *Syncer) LogWatermark(id string) string {
	return s.logs.Watermark(id)
}
