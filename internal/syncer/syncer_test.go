package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/osteele/jobwatch/internal/api"
	"github.com/osteele/jobwatch/internal/bulk"
	"github.com/osteele/jobwatch/internal/clock"
	"github.com/osteele/jobwatch/internal/db"
	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/logcursor"
	"github.com/osteele/jobwatch/internal/logger"
	"github.com/osteele/jobwatch/internal/store"
	"github.com/osteele/jobwatch/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	clock *clock.Fake

	mu       sync.Mutex
	jobs     []store.Job
	calls    []string
	failures map[string]error
	logs     map[string]logcursor.Delta
}

func newFakeClient(clk *clock.Fake, jobs ...store.Job) *fakeClient {
	return &fakeClient{
		clock:    clk,
		jobs:     jobs,
		failures: map[string]error{},
		logs:     map[string]logcursor.Delta{},
	}
}

func (c *fakeClient) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.failures[call]
}

func (c *fakeClient) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *fakeClient) setJobs(jobs ...store.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = jobs
}

func (c *fakeClient) ListJobs(ctx context.Context, limit int) (store.Snapshot, error) {
	if err := c.record("list"); err != nil {
		return store.Snapshot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	jobs := make([]store.Job, len(c.jobs))
	for i, j := range c.jobs {
		jobs[i] = j.Clone()
	}
	return store.Snapshot{At: c.clock.Now(), Jobs: jobs}, nil
}

func (c *fakeClient) GetJob(ctx context.Context, id string) (store.Job, time.Time, error) {
	if err := c.record("get " + id); err != nil {
		return store.Job{}, time.Time{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.jobs {
		if j.ID == id {
			return j.Clone(), c.clock.Now(), nil
		}
	}
	return store.Job{}, time.Time{}, &api.StatusError{Method: "GET", Path: "/jobs/" + id, Code: 404}
}

func (c *fakeClient) CreateJob(ctx context.Context, req api.CreateRequest) (string, error) {
	if err := c.record("create"); err != nil {
		return "", err
	}
	id := "new-" + req.TargetUsernames[0]
	c.mu.Lock()
	c.jobs = append(c.jobs, store.Job{ID: id, Status: lifecycle.StatusPending,
		Target: store.Target{Usernames: req.TargetUsernames}})
	c.mu.Unlock()
	return id, nil
}

func (c *fakeClient) action(name, id string) (api.ActionResult, error) {
	if err := c.record(name + " " + id); err != nil {
		return api.ActionResult{}, err
	}
	return api.ActionResult{Success: true, Message: name + " ok"}, nil
}

func (c *fakeClient) StartJob(ctx context.Context, id string) (api.ActionResult, error) {
	return c.action("start", id)
}

func (c *fakeClient) StopJob(ctx context.Context, id string) (api.ActionResult, error) {
	return c.action("stop", id)
}

func (c *fakeClient) RunJob(ctx context.Context, id string) (api.ActionResult, error) {
	return c.action("run", id)
}

func (c *fakeClient) DeleteJob(ctx context.Context, id string) (api.ActionResult, error) {
	return c.action("delete", id)
}

func (c *fakeClient) Logs(ctx context.Context, id, since string) (logcursor.Delta, error) {
	if err := c.record("logs " + id + " since=" + since); err != nil {
		return logcursor.Delta{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs[id+"@"+since], nil
}

func (c *fakeClient) ActivateUser(ctx context.Context, u string) (api.ActionResult, error) {
	return c.action("activate", u)
}

func (c *fakeClient) DeactivateUser(ctx context.Context, u string) (api.ActionResult, error) {
	return c.action("deactivate", u)
}

func (c *fakeClient) DeleteUser(ctx context.Context, u string) (api.ActionResult, error) {
	return c.action("delete-user", u)
}

func (c *fakeClient) JobStats(ctx context.Context, days int) (api.JobStatistics, error) {
	return api.JobStatistics{TotalJobs: 3}, c.record("stats")
}

type fakeStream struct {
	mu       sync.Mutex
	subs     []func(stream.Event)
	connects []string
	reloads  int
	state    stream.State
}

func (f *fakeStream) Connect(endpoint string) {
	f.mu.Lock()
	f.connects = append(f.connects, endpoint)
	f.state.Connected = true
	f.mu.Unlock()
}

func (f *fakeStream) Disconnect() {
	f.mu.Lock()
	f.state.Connected = false
	f.mu.Unlock()
}

func (f *fakeStream) Reload() {
	f.mu.Lock()
	f.reloads++
	f.state = stream.State{Connected: true}
	f.mu.Unlock()
}

func (f *fakeStream) State() stream.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStream) Subscribe(fn func(stream.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
}

func (f *fakeStream) Send(msg stream.ClientMessage) error { return nil }

func (f *fakeStream) emit(e stream.Event) {
	f.mu.Lock()
	subs := append([]func(stream.Event){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (f *fakeStream) push(t *testing.T, raw string) {
	t.Helper()
	msg, err := stream.Decode([]byte(raw))
	require.NoError(t, err)
	f.emit(stream.Event{Kind: stream.EventMessage, Message: msg})
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	clock  *clock.Fake
	client *fakeClient
	stream *fakeStream
	syncer *Syncer
}

func newHarness(t *testing.T, jobs ...store.Job) *harness {
	t.Helper()
	clk := clock.NewFake(epoch)
	h := &harness{clock: clk, client: newFakeClient(clk, jobs...), stream: &fakeStream{}}
	s, err := New(Options{
		Client:       h.client,
		Stream:       h.stream,
		Endpoint:     "ws://test/api/ws",
		Clock:        clk,
		Logger:       logger.Discard(),
		PollInterval: 3 * time.Second,
		Grace:        5 * time.Second,
	})
	require.NoError(t, err)
	h.syncer = s
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Close)
	return h
}

func pending(id string) store.Job {
	return store.Job{ID: id, Status: lifecycle.StatusPending}
}

func TestConnectPullsAndOpensStream(t *testing.T) {
	h := newHarness(t, pending("a"), pending("b"))
	assert.Equal(t, []string{"ws://test/api/ws"}, h.stream.connects)
	assert.Equal(t, []string{"list"}, h.client.callLog())
	assert.Len(t, h.syncer.Jobs(), 2)
	assert.Equal(t, 0, h.syncer.ActiveCount(), "pending jobs are idle")
	assert.False(t, h.syncer.Polling())
}

func TestIdlePendingJobDoesNotPoll(t *testing.T) {
	h := newHarness(t, pending("a"))
	h.client.reset()

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, h.syncer.ActiveCount())
	assert.False(t, h.syncer.Polling())
	assert.Empty(t, h.client.callLog())
}

func TestStopOnPendingMakesNoCalls(t *testing.T) {
	h := newHarness(t, pending("a"))
	h.client.reset()

	_, err := h.syncer.Stop(context.Background(), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrTransitionNotAllowed)
	var ge *lifecycle.GuardError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, lifecycle.StatusPending, ge.Status)
	assert.Empty(t, h.client.callLog(), "guard violations never reach the server")
}

func TestRunThenPushRunning(t *testing.T) {
	h := newHarness(t)
	h.client.setJobs(pending("A"))
	h.client.reset()

	// The job exists on the server but the store hasn't seen it yet
	msg, err := h.syncer.RunJob(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "run ok", msg)
	assert.Equal(t, []string{"get A", "run A"}, h.client.callLog())

	policy := h.syncer.poller.Policy()
	assert.Equal(t, epoch.Add(5*time.Second), policy.ForcedUntil)
	assert.True(t, h.syncer.ShouldPoll())
	assert.Equal(t, 0, h.syncer.ActiveCount(), "still pending before the push")

	h.stream.push(t, `{"type":"job_update","data":{"job_id":"A","status":"running","timestamp":"2024-03-01T12:00:01Z"}}`)
	job, ok := h.syncer.Job("A")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusRunning, job.Status)
	assert.Equal(t, 1, h.syncer.ActiveCount())

	// Past the grace period polling continues because the job is active
	h.client.setJobs(store.Job{ID: "A", Status: lifecycle.StatusRunning})
	h.clock.Advance(6 * time.Second)
	assert.True(t, h.syncer.ShouldPoll())
	assert.True(t, h.syncer.Polling())
}

func TestPollingStopsAfterGrace(t *testing.T) {
	done := store.Job{ID: "a", Status: lifecycle.StatusFailed}
	h := newHarness(t, done)
	assert.False(t, h.syncer.Polling())

	_, err := h.syncer.Start(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, h.syncer.Polling())

	h.client.reset()
	h.clock.Advance(3 * time.Second)
	assert.Equal(t, []string{"list"}, h.client.callLog())

	h.clock.Advance(3 * time.Second)
	assert.False(t, h.syncer.Polling(), "grace elapsed with nothing active")
	h.clock.Advance(30 * time.Second)
	assert.Len(t, h.client.callLog(), 1, "no pulls once idle")
}

func TestStalePullDoesNotOverridePush(t *testing.T) {
	h := newHarness(t, pending("a"))

	h.clock.Advance(time.Second)
	h.stream.push(t, `{"type":"job_update","data":{"job_id":"a","status":"running","timestamp":"2024-03-01T12:00:10Z"}}`)

	// A pull stamped before the push still lists the job as pending
	require.NoError(t, h.syncer.Refresh(context.Background()))
	job, _ := h.syncer.Job("a")
	assert.Equal(t, lifecycle.StatusRunning, job.Status)
}

func TestDeleteRemovesJob(t *testing.T) {
	h := newHarness(t, pending("a"), pending("b"))
	_, err := h.syncer.Delete(context.Background(), "a")
	require.NoError(t, err)
	_, ok := h.syncer.Job("a")
	assert.False(t, ok)

	// An old push for the deleted job doesn't bring it back
	h.stream.push(t, `{"type":"job_update","data":{"job_id":"a","status":"pending","timestamp":"2024-03-01T11:00:00Z"}}`)
	_, ok = h.syncer.Job("a")
	assert.False(t, ok)

	_, err = h.syncer.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestActionFailureIsReported(t *testing.T) {
	h := newHarness(t, pending("a"))
	h.client.failures["start a"] = &api.StatusError{Code: 409, Message: "already started"}

	_, err := h.syncer.Start(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestBulkDeactivatePartialFailure(t *testing.T) {
	h := newHarness(t)
	h.client.failures["deactivate u2"] = errors.New("user locked")

	sel := h.syncer.UserSelection()
	sel.SelectAll([]string{"u1", "u2", "u3"})
	b, err := h.syncer.PrepareUsers(UserDeactivate)
	require.NoError(t, err)
	b.Confirm()

	res, err := h.syncer.BulkApply(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	assert.True(t, res.Outcomes[0].OK())
	assert.Equal(t, "u2", res.Outcomes[1].ID)
	assert.EqualError(t, res.Outcomes[1].Err, "user locked")
	assert.True(t, res.Outcomes[2].OK())
	assert.Equal(t, 0, sel.Len())

	notes := h.syncer.Notifications()
	require.NotEmpty(t, notes)
	assert.Equal(t, "warning", notes[len(notes)-1].Kind)
}

func TestBulkUserDeleteNeedsTwoConfirmations(t *testing.T) {
	h := newHarness(t)
	h.syncer.UserSelection().SelectAll([]string{"u1"})
	b, err := h.syncer.PrepareUsers(UserDelete)
	require.NoError(t, err)

	b.Confirm()
	_, err = h.syncer.BulkApply(context.Background(), b)
	assert.ErrorIs(t, err, bulk.ErrConfirmationRequired)

	b.Confirm()
	res, err := h.syncer.BulkApply(context.Background(), b)
	require.NoError(t, err)
	assert.Len(t, res.Succeeded(), 1)

	_, err = h.syncer.BulkApply(context.Background(), b)
	assert.Error(t, err, "a batch runs once")
}

func TestBulkJobsRespectsGuard(t *testing.T) {
	running := store.Job{ID: "r", Status: lifecycle.StatusRunning}
	h := newHarness(t, pending("p"), running)
	h.client.reset()

	h.syncer.JobSelection().SelectAll([]string{"p", "r"})
	b, err := h.syncer.PrepareJobs(lifecycle.ActionStop)
	require.NoError(t, err)
	b.Confirm()

	res, err := h.syncer.BulkApply(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.ErrorIs(t, res.Outcomes[0].Err, lifecycle.ErrTransitionNotAllowed)
	assert.True(t, res.Outcomes[1].OK())
	assert.Equal(t, []string{"stop r"}, h.client.callLog())
}

func TestFetchLogIsIdempotent(t *testing.T) {
	h := newHarness(t, pending("B"))
	t1 := "t1"
	h.client.logs["B@"] = logcursor.Delta{Lines: []string{"a", "b"}, LastTimestamp: &t1}
	h.client.logs["B@t1"] = logcursor.Delta{Lines: []string{}, LastTimestamp: &t1}

	h.syncer.OpenLog("B")
	n, err := h.syncer.FetchLog(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.syncer.FetchLog(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"a", "b"}, h.syncer.LogLines("B"))
	assert.Equal(t, "t1", h.syncer.LogWatermark("B"))

	// Reopening replays from the start
	h.syncer.OpenLog("B")
	assert.Empty(t, h.syncer.LogLines("B"))
	_, err = h.syncer.FetchLog(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, h.syncer.LogLines("B"))
}

func TestPushSideChannels(t *testing.T) {
	h := newHarness(t)

	h.stream.push(t, `{"type":"system_stats","data":{"jobs":{"running":4}}}`)
	h.stream.push(t, `{"type":"notification","data":{"message":"job done","notification_type":"success"}}`)
	h.stream.push(t, `{"type":"error","data":{"message":"bad subscription"}}`)
	h.stream.push(t, `{"type":"log","data":{"level":"INFO","message":"hello"}}`)
	h.stream.push(t, `{"type":"pong","data":{}}`)
	h.stream.push(t, `{"type":"welcome","data":{}}`)

	stats, ok := h.syncer.SystemStats()
	require.True(t, ok)
	assert.Equal(t, 4, stats.Jobs.Running)

	notes := h.syncer.Notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, "success", notes[0].Kind)
	assert.Equal(t, "error", notes[1].Kind)
	assert.Equal(t, "bad subscription", notes[1].Message)

	require.Len(t, h.syncer.ServerLog(), 1)
	assert.Equal(t, epoch, h.syncer.ConnectionHealth().LastPong)
}

func TestReconnectExhaustedNeedsReload(t *testing.T) {
	h := newHarness(t)
	h.stream.mu.Lock()
	h.stream.state = stream.State{Failed: true, ReconnectAttempts: 5, LastError: "refused"}
	h.stream.mu.Unlock()
	h.stream.emit(stream.Event{Kind: stream.EventFailed, Err: stream.ErrReconnectExhausted})

	health := h.syncer.ConnectionHealth()
	assert.True(t, health.Failed)
	assert.Equal(t, "refused", health.LastError)
	notes := h.syncer.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "error", notes[0].Kind)

	h.syncer.Reload()
	assert.Equal(t, 1, h.stream.reloads)
	assert.False(t, h.syncer.ConnectionHealth().Failed)
}

func TestUpdatesSignal(t *testing.T) {
	h := newHarness(t)
	// Drain the signal left by Connect
	select {
	case <-h.syncer.Updates():
	default:
	}
	h.stream.push(t, `{"type":"job_update","data":{"job_id":"z","status":"running"}}`)
	select {
	case <-h.syncer.Updates():
	default:
		t.Fatal("no update signalled")
	}
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	id, err := h.syncer.Create(context.Background(), api.CreateRequest{TargetUsernames: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, "new-alice", id)
	job, ok := h.syncer.Job(id)
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, job.Target.Usernames)

	h.client.failures["create"] = errors.New("quota exceeded")
	res := h.syncer.CreateAll(context.Background(), []api.CreateRequest{{TargetUsernames: []string{"bob"}}})
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "#1", res.Outcomes[0].ID)
	assert.True(t, res.AllFailed())
}

func TestCacheRoundTrip(t *testing.T) {
	cache, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	clk := clock.NewFake(epoch)
	client := newFakeClient(clk, pending("a"))
	s, err := New(Options{Client: client, Cache: cache, Clock: clk, Logger: logger.Discard()})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	s.Close()

	// A second client whose server is unreachable starts from the cache
	offline := newFakeClient(clk)
	offline.failures["list"] = errors.New("connection refused")
	s2, err := New(Options{Client: offline, Cache: cache, Clock: clk, Logger: logger.Discard()})
	require.NoError(t, err)
	assert.Error(t, s2.Connect(context.Background()))
	defer s2.Close()

	job, ok := s2.Job("a")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusPending, job.Status)
	assert.Equal(t, "connection refused", s2.ConnectionHealth().LastPullError)
}
