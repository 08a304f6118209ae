package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/osteele/jobwatch/internal/api"
	"github.com/osteele/jobwatch/internal/bulk"
	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/logger"
	"github.com/osteele/jobwatch/internal/store"
	"github.com/osteele/jobwatch/internal/stream"
	"github.com/osteele/jobwatch/internal/syncer"
)

type fakeBackend struct {
	jobs          []store.Job
	health        syncer.Health
	notifications []syncer.Notification
	logs          map[string][]string
	updates       chan struct{}

	sel   *bulk.Selection
	coord *bulk.Coordinator

	mu      sync.Mutex
	actions []string
	reloads int
}

func newFakeBackend(jobs ...store.Job) *fakeBackend {
	b := &fakeBackend{
		jobs:    jobs,
		logs:    map[string][]string{},
		updates: make(chan struct{}, 1),
		sel:     &bulk.Selection{},
	}
	b.coord = bulk.NewCoordinator(b.sel, logger.Discard())
	return b
}

func (b *fakeBackend) Jobs() []store.Job                       { return b.jobs }
func (b *fakeBackend) ConnectionHealth() syncer.Health         { return b.health }
func (b *fakeBackend) Notifications() []syncer.Notification    { return b.notifications }
func (b *fakeBackend) SystemStats() (stream.SystemStats, bool) { return stream.SystemStats{}, false }
func (b *fakeBackend) Updates() <-chan struct{}                { return b.updates }
func (b *fakeBackend) Reload()                                 { b.reloads++ }
func (b *fakeBackend) Refresh(ctx context.Context) error       { return nil }
func (b *fakeBackend) OpenLog(id string)                       { b.logs[id] = nil }
func (b *fakeBackend) LogLines(id string) []string             { return b.logs[id] }
func (b *fakeBackend) JobSelection() *bulk.Selection           { return b.sel }

func (b *fakeBackend) record(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions = append(b.actions, s)
}

func (b *fakeBackend) JobAction(ctx context.Context, id string, action lifecycle.Action) (string, error) {
	b.record(string(action) + " " + id)
	return "", nil
}

func (b *fakeBackend) Create(ctx context.Context, req api.CreateRequest) (string, error) {
	b.record("create " + strings.Join(req.TargetUsernames, ","))
	return "new", nil
}

func (b *fakeBackend) FetchLog(ctx context.Context, id string) (int, error) {
	b.record("log " + id)
	b.logs[id] = append(b.logs[id], "line")
	return 1, nil
}

func (b *fakeBackend) PrepareJobs(action lifecycle.Action) (*bulk.Batch, error) {
	return b.coord.Prepare(bulk.Op{
		Name:        string(action),
		Destructive: action == lifecycle.ActionDelete,
		Apply: func(ctx context.Context, id string) (string, error) {
			b.record(string(action) + " " + id)
			if id == "bad" {
				return "", errors.New("boom")
			}
			return "", nil
		},
	})
}

func (b *fakeBackend) BulkApply(ctx context.Context, batch *bulk.Batch) (*bulk.Result, error) {
	return b.coord.Execute(ctx, batch)
}

func runes(s string) tea.KeyMsg {
	switch s {
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m Model, keys ...string) Model {
	t.Helper()
	for _, k := range keys {
		next, _ := m.Update(runes(k))
		m = next.(Model)
	}
	return m
}

func testJobs() []store.Job {
	return []store.Job{
		{ID: "pending-1", Status: lifecycle.StatusPending},
		{ID: "running-1", Status: lifecycle.StatusRunning},
		{ID: "bad", Status: lifecycle.StatusFailed},
	}
}

func TestGuardRejectionShowsFlashWithoutCall(t *testing.T) {
	b := newFakeBackend(testJobs()...)
	m := NewModel(b)

	// Highlighted job is pending; stop is not allowed
	m = press(t, m, "k")
	if !m.flashIsError || !strings.Contains(m.flashMessage, "while it is pending") {
		t.Errorf("flash = %q (error=%v), want guard rejection", m.flashMessage, m.flashIsError)
	}
	if len(b.actions) != 0 {
		t.Errorf("actions = %v, want none", b.actions)
	}
}

func TestAllowedActionIsSent(t *testing.T) {
	b := newFakeBackend(testJobs()...)
	m := NewModel(b)

	next, _ := m.Update(runes("r"))
	m = next.(Model)
	msg := m.jobAction("pending-1", lifecycle.ActionRun)()
	done, ok := msg.(actionDoneMsg)
	if !ok || done.err != nil {
		t.Fatalf("jobAction() = %#v, want success", msg)
	}
	next, _ = m.Update(done)
	m = next.(Model)
	if m.flashMessage != "run pending-: ok" {
		t.Errorf("flash = %q", m.flashMessage)
	}
}

func TestMarkAndBulkApply(t *testing.T) {
	b := newFakeBackend(testJobs()...)
	m := NewModel(b)

	m = press(t, m, "down", " ", " ")
	if got := b.sel.IDs(); len(got) != 2 || got[0] != "bad" || got[1] != "running-1" {
		t.Fatalf("selection = %v, want [bad running-1]", got)
	}

	batch, err := b.PrepareJobs(lifecycle.ActionStart)
	if err != nil {
		t.Fatal(err)
	}
	batch.Confirm()
	msg := m.applyBatch(batch)().(bulkDoneMsg)
	if msg.err != nil {
		t.Fatal(msg.err)
	}
	next, _ := m.Update(msg)
	m = next.(Model)
	if !m.flashIsError || !strings.HasPrefix(m.flashMessage, "start: 1 ok, 1 failed") {
		t.Errorf("flash = %q, want partial failure summary", m.flashMessage)
	}
	if b.sel.Len() != 0 {
		t.Errorf("selection not cleared after bulk apply")
	}
}

func TestDeleteNeedsTwoConfirmations(t *testing.T) {
	b := newFakeBackend(testJobs()...)
	m := NewModel(b)

	m = press(t, m, "x")
	if m.confirm == nil {
		t.Fatal("delete did not ask for confirmation")
	}
	if !b.sel.Has("pending-1") {
		t.Errorf("highlighted job not captured for delete")
	}

	m = press(t, m, "y")
	if m.confirm == nil {
		t.Fatal("one confirmation deleted the job")
	}

	next, cmd := m.Update(runes("y"))
	m = next.(Model)
	if m.confirm != nil || cmd == nil {
		t.Fatal("second confirmation did not start the delete")
	}
	if len(b.actions) != 0 {
		t.Errorf("actions = %v before the command ran", b.actions)
	}
}

func TestDeleteCancel(t *testing.T) {
	b := newFakeBackend(testJobs()...)
	m := NewModel(b)

	m = press(t, m, "x", "y", "n")
	if m.confirm != nil {
		t.Error("confirmation still open after cancel")
	}
	if b.sel.Len() != 0 {
		t.Error("selection kept after cancel")
	}
	if m.flashMessage != "Delete cancelled" {
		t.Errorf("flash = %q", m.flashMessage)
	}
}

func TestOpenLogFollowsHighlight(t *testing.T) {
	b := newFakeBackend(testJobs()...)
	m := NewModel(b)

	next, cmd := m.Update(runes("l"))
	m = next.(Model)
	if m.logJobID != "pending-1" || cmd == nil {
		t.Fatalf("logJobID = %q, want pending-1", m.logJobID)
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	if m.logJobID != "running-1" {
		t.Errorf("logJobID = %q after moving down, want running-1", m.logJobID)
	}

	// A late response for the previous job is ignored
	m.logLoading = true
	next, _ = m.Update(logFetchedMsg{jobID: "pending-1", err: errors.New("late")})
	m = next.(Model)
	if m.logError != "" || !m.logLoading {
		t.Errorf("late log response applied: error=%q loading=%v", m.logError, m.logLoading)
	}
}

func TestNotificationsBecomeFlash(t *testing.T) {
	b := newFakeBackend()
	m := NewModel(b)

	b.notifications = []syncer.Notification{{Kind: "error", Message: "Disconnected from server. Press R to reload."}}
	next, _ := m.Update(syncUpdateMsg{})
	m = next.(Model)
	if !m.flashIsError || m.flashMessage != "Disconnected from server. Press R to reload." {
		t.Errorf("flash = %q (error=%v)", m.flashMessage, m.flashIsError)
	}

	m.flashMessage = ""
	next, _ = m.Update(syncUpdateMsg{})
	m = next.(Model)
	if m.flashMessage != "" {
		t.Errorf("seen notification shown again: %q", m.flashMessage)
	}
}

func TestBannerAndReload(t *testing.T) {
	b := newFakeBackend()
	b.health = syncer.Health{Streaming: true}
	b.health.Failed = true
	b.health.ReconnectAttempts = 5
	m := NewModel(b)
	m.width, m.height = 120, 40

	if banner := m.renderBanner(); !strings.Contains(banner, "Press R to reload") {
		t.Errorf("banner = %q, want reload hint", banner)
	}

	m = press(t, m, "R")
	if b.reloads != 1 {
		t.Errorf("reloads = %d, want 1", b.reloads)
	}
}

func TestCreateRequestFromForm(t *testing.T) {
	m := NewModel(newFakeBackend())
	m.inputs[inputTargets].SetValue("@Alice, bob  alice")
	m.inputs[inputMaxTweets].SetValue("50")

	req, err := m.createRequest()
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(req.TargetUsernames, ","); got != "alice,bob" {
		t.Errorf("targets = %q, want alice,bob", got)
	}
	if req.MaxTweets == nil || *req.MaxTweets != 50 {
		t.Errorf("max tweets = %v, want 50", req.MaxTweets)
	}

	m.inputs[inputMaxTweets].SetValue("lots")
	if _, err := m.createRequest(); err == nil {
		t.Error("createRequest() accepted a non-numeric max")
	}

	m.inputs[inputMaxTweets].SetValue("")
	m.inputs[inputTargets].SetValue(" , ")
	if _, err := m.createRequest(); err == nil {
		t.Error("createRequest() accepted no targets")
	}
}

func TestFormatTime(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}
	tests := []struct {
		t    *time.Time
		want string
	}{
		{nil, "-"},
		{at(10 * time.Second), "just now"},
		{at(5 * time.Minute), "5m ago"},
		{at(3 * time.Hour), "3h ago"},
	}
	for _, tt := range tests {
		if got := formatTime(tt.t, now); got != tt.want {
			t.Errorf("formatTime(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestViewRenders(t *testing.T) {
	b := newFakeBackend(testJobs()...)
	m := NewModel(b)
	if got := m.View(); got != "Loading..." {
		t.Errorf("View() before size = %q", got)
	}
	m.width, m.height = 120, 40
	view := m.View()
	for _, want := range []string{"pending-", "running-", "Details"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}
