package stream

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJobUpdate(t *testing.T) {
	raw := `{"type":"job_update","data":{"job_id":"j1","status":"running",
		"stats":{"tweets_collected":12,"errors_count":1},
		"target_users":["alice"],"timestamp":"2024-03-01T10:00:05.250000"}}`

	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	u, ok := msg.(JobUpdate)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "j1", u.JobID)
	assert.Equal(t, lifecycle.StatusRunning, u.Status)
	require.NotNil(t, u.Stats)
	assert.Equal(t, 12, u.Stats.TweetsCollected)
	assert.Equal(t, 1, u.Stats.ErrorsCount)
	assert.Equal(t, []string{"alice"}, u.TargetUsernames)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 5, 250000000, time.UTC), u.Timestamp)
	assert.False(t, u.Initial)
}

func TestDecodeJobStatusIsInitialUpdate(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"job_status","data":{"job_id":"j2","status":"pending"}}`))
	require.NoError(t, err)
	u := msg.(JobUpdate)
	assert.True(t, u.Initial)
	assert.Equal(t, TypeJobUpdate, u.Type())
}

func TestDecodeJobUpdateRequiresID(t *testing.T) {
	_, err := Decode([]byte(`{"type":"job_update","data":{"status":"running"}}`))
	assert.Error(t, err)
}

func TestDecodeOtherTypes(t *testing.T) {
	tests := []struct {
		raw  string
		want Message
	}{
		{
			`{"type":"notification","data":{"message":"done","notification_type":"success"}}`,
			Notification{Message: "done", Kind: "success"},
		},
		{
			`{"type":"error","data":{"message":"bad request"}}`,
			ErrorEvent{Message: "bad request"},
		},
		{
			`{"type":"log","data":{"level":"INFO","message":"hello","source":"scraper"}}`,
			LogEvent{Level: "INFO", Message: "hello", Source: "scraper"},
		},
		{
			`{"type":"pong","data":{"timestamp":"2024-03-01T10:00:00Z"}}`,
			Pong{Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		},
	}
	for _, tt := range tests {
		got, err := Decode([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestDecodeSystemStats(t *testing.T) {
	raw := `{"type":"system_stats","data":{"users":{"total":10,"active":7},
		"tweets":{"total":500},"jobs":{"running":2,"completed_today":3,"failed_today":1},
		"timestamp":"2024-03-01T10:00:00"}}`
	msg, err := Decode([]byte(raw))
	require.NoError(t, err)
	s := msg.(SystemStats)
	assert.Equal(t, 7, s.Users.Active)
	assert.Equal(t, 500, s.Tweets.Total)
	assert.Equal(t, 2, s.Jobs.Running)
	assert.Equal(t, 1, s.Jobs.FailedToday)
	assert.False(t, s.Timestamp.IsZero())
}

func TestDecodeInfoAndUnknown(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"welcome","data":{"message":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeWelcome, msg.Type())

	_, err = Decode([]byte(`{"type":"mystery","data":{}}`))
	assert.True(t, errors.Is(err, ErrUnknownType))

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestJobUpdatePatch(t *testing.T) {
	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	u := JobUpdate{JobID: "j1", Status: lifecycle.StatusRunning}
	p := u.Patch(received)
	assert.Equal(t, received, p.At, "missing timestamp falls back to receipt time")
	assert.Equal(t, store.SourcePush, p.Source)
	require.NotNil(t, p.Status)
	assert.Equal(t, lifecycle.StatusRunning, *p.Status)
	assert.Nil(t, p.Stats)

	stamped := received.Add(-time.Second)
	u = JobUpdate{JobID: "j1", Stats: &store.Stats{TweetsCollected: 3}, Timestamp: stamped}
	p = u.Patch(received)
	assert.Equal(t, stamped, p.At)
	assert.Nil(t, p.Status)
	require.NotNil(t, p.Stats)
	assert.Equal(t, 3, p.Stats.TweetsCollected)
}

func TestClientMessages(t *testing.T) {
	data, err := json.Marshal(Ping())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))

	data, err = json.Marshal(RequestJobStatus("j9"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request_job_status","data":{"job_id":"j9"}}`, string(data))
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{
		"2024-03-01T10:00:00Z",
		"2024-03-01T10:00:00.123456",
		"2024-03-01 10:00:00",
		"2024-03-01T11:00:00+01:00",
	} {
		got, err := ParseTime(s)
		require.NoError(t, err, s)
		assert.Equal(t, 10, got.UTC().Hour(), s)
	}
	_, err := ParseTime("yesterday")
	assert.Error(t, err)
}
