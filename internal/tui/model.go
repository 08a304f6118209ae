package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/osteele/jobwatch/internal/api"
	"github.com/osteele/jobwatch/internal/bulk"
	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/store"
	"github.com/osteele/jobwatch/internal/stream"
	"github.com/osteele/jobwatch/internal/syncer"
)

// Default intervals for background operations
const (
	DefaultLogRefreshInterval = 2 * time.Second
	DefaultActionTimeout      = 30 * time.Second
)

// Backend is the part of the syncer the dashboard drives
type Backend interface {
	Jobs() []store.Job
	ConnectionHealth() syncer.Health
	Notifications() []syncer.Notification
	SystemStats() (stream.SystemStats, bool)
	Updates() <-chan struct{}
	Reload()
	Refresh(ctx context.Context) error
	JobAction(ctx context.Context, id string, action lifecycle.Action) (string, error)
	Create(ctx context.Context, req api.CreateRequest) (string, error)
	OpenLog(id string)
	FetchLog(ctx context.Context, id string) (int, error)
	LogLines(id string) []string
	JobSelection() *bulk.Selection
	PrepareJobs(action lifecycle.Action) (*bulk.Batch, error)
	BulkApply(ctx context.Context, b *bulk.Batch) (*bulk.Result, error)
}

// Key bindings
type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Logs    key.Binding
	Escape  key.Binding
	Mark    key.Binding
	MarkAll key.Binding
	Start   key.Binding
	Stop    key.Binding
	Run     key.Binding
	Delete  key.Binding
	NewJob  key.Binding
	Pull    key.Binding
	Reload  key.Binding
	Confirm key.Binding
	Suspend key.Binding
	Quit    key.Binding
	Help    key.Binding
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up"),
		key.WithHelp("↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down"),
		key.WithHelp("↓", "down"),
	),
	Logs: key.NewBinding(
		key.WithKeys("l", "enter"),
		key.WithHelp("l", "logs"),
	),
	Escape: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "clear"),
	),
	Mark: key.NewBinding(
		key.WithKeys(" "),
		key.WithHelp("space", "select"),
	),
	MarkAll: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("a", "select all"),
	),
	Start: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "start"),
	),
	Stop: key.NewBinding(
		key.WithKeys("k"),
		key.WithHelp("k", "stop"),
	),
	Run: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "run"),
	),
	Delete: key.NewBinding(
		key.WithKeys("x", "delete"),
		key.WithHelp("x", "delete"),
	),
	NewJob: key.NewBinding(
		key.WithKeys("n"),
		key.WithHelp("n", "new job"),
	),
	Pull: key.NewBinding(
		key.WithKeys("p"),
		key.WithHelp("p", "pull"),
	),
	Reload: key.NewBinding(
		key.WithKeys("R"),
		key.WithHelp("R", "reload"),
	),
	Confirm: key.NewBinding(
		key.WithKeys("y"),
		key.WithHelp("y", "confirm"),
	),
	Suspend: key.NewBinding(
		key.WithKeys("ctrl+z"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
}

// Messages
type syncUpdateMsg struct{}

type actionDoneMsg struct {
	action  lifecycle.Action
	jobID   string
	message string
	err     error
}

type bulkDoneMsg struct {
	result *bulk.Result
	err    error
}

type logFetchedMsg struct {
	jobID string
	added int
	err   error
}

type jobCreatedMsg struct {
	jobID string
	err   error
}

type pullDoneMsg struct {
	err error
}

type logTickMsg time.Time
type flashExpiredMsg struct{}

// Input field indices for new job form
const (
	inputTargets = iota
	inputMaxTweets
	inputScraperAccount
)

// confirmation tracks a destructive batch waiting for the user
type confirmation struct {
	batch *bulk.Batch
}

// Model is the main TUI state
type Model struct {
	backend Backend

	// Jobs data
	jobs          []store.Job
	selectedIndex int
	// logJobID is set while the log panel shows a job's log
	logJobID string

	// Connection state
	health            syncer.Health
	seenNotifications int

	// UI State
	logLoading   bool
	logError     string
	flashMessage string
	flashIsError bool
	flashExpiry  time.Time

	// Pending delete confirmation
	confirm *confirmation

	// New job input mode
	inputMode   bool
	inputFocus  int
	inputs      []textinput.Model
	creatingJob bool

	// Layout
	width  int
	height int

	pulling  bool
	showHelp bool

	logRefreshInterval time.Duration
	actionTimeout      time.Duration
	now                func() time.Time
}

// ModelOptions contains configuration for the TUI model
type ModelOptions struct {
	LogRefreshInterval time.Duration
	ActionTimeout      time.Duration
}

// DefaultModelOptions returns the default TUI options
func DefaultModelOptions() ModelOptions {
	return ModelOptions{
		LogRefreshInterval: DefaultLogRefreshInterval,
		ActionTimeout:      DefaultActionTimeout,
	}
}

// NewModel creates a new TUI model
func NewModel(backend Backend) Model {
	return NewModelWithOptions(backend, DefaultModelOptions())
}

// NewModelWithOptions creates a new TUI model with custom options
func NewModelWithOptions(backend Backend, opts ModelOptions) Model {
	if opts.LogRefreshInterval <= 0 {
		opts.LogRefreshInterval = DefaultLogRefreshInterval
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}

	inputs := make([]textinput.Model, 3)

	inputs[inputTargets] = textinput.New()
	inputs[inputTargets].Placeholder = "e.g., alice, @bob"
	inputs[inputTargets].Prompt = ""
	inputs[inputTargets].Width = 40
	inputs[inputTargets].CharLimit = 512

	inputs[inputMaxTweets] = textinput.New()
	inputs[inputMaxTweets].Placeholder = "(optional)"
	inputs[inputMaxTweets].Prompt = ""
	inputs[inputMaxTweets].Width = 40
	inputs[inputMaxTweets].CharLimit = 8

	inputs[inputScraperAccount] = textinput.New()
	inputs[inputScraperAccount].Placeholder = "(optional)"
	inputs[inputScraperAccount].Prompt = ""
	inputs[inputScraperAccount].Width = 40
	inputs[inputScraperAccount].CharLimit = 64

	m := Model{
		backend:            backend,
		inputs:             inputs,
		logRefreshInterval: opts.LogRefreshInterval,
		actionTimeout:      opts.ActionTimeout,
		now:                time.Now,
	}
	m.sync()
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.waitForUpdate(),
		m.startLogTicker(),
	)
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if m.inputMode {
			return m.handleInputKeyPress(msg)
		}
		if m.confirm != nil {
			return m.handleConfirmKeyPress(msg)
		}
		return m.handleKeyPress(msg)

	case syncUpdateMsg:
		flash := m.sync()
		return m, tea.Batch(flash, m.waitForUpdate())

	case actionDoneMsg:
		if msg.err != nil {
			return m, m.setFlash(actionErrorText(msg.action, msg.jobID, msg.err), true)
		}
		text := fmt.Sprintf("%s %s: ok", msg.action, shortID(msg.jobID))
		if msg.message != "" {
			text = fmt.Sprintf("%s %s: %s", msg.action, shortID(msg.jobID), msg.message)
		}
		if msg.action == lifecycle.ActionDelete && msg.jobID == m.logJobID {
			m.logJobID = ""
		}
		m.sync()
		return m, m.setFlash(text, false)

	case bulkDoneMsg:
		if msg.err != nil {
			return m, m.setFlash(fmt.Sprintf("Bulk operation failed: %v", msg.err), true)
		}
		m.sync()
		return m, m.setFlash(bulkSummary(msg.result), len(msg.result.Failed()) > 0)

	case logFetchedMsg:
		if msg.jobID != m.logJobID {
			return m, nil
		}
		m.logLoading = false
		m.logError = ""
		if msg.err != nil {
			m.logError = msg.err.Error()
		}
		return m, nil

	case jobCreatedMsg:
		m.creatingJob = false
		if msg.err != nil {
			return m, m.setFlash(fmt.Sprintf("Create failed: %v", msg.err), true)
		}
		m.sync()
		m.selectJob(msg.jobID)
		return m, m.setFlash(fmt.Sprintf("Job %s created", shortID(msg.jobID)), false)

	case pullDoneMsg:
		m.pulling = false
		if msg.err != nil {
			return m, m.setFlash(fmt.Sprintf("Pull failed: %v", msg.err), true)
		}
		m.sync()
		return m, nil

	case logTickMsg:
		cmds := []tea.Cmd{m.startLogTicker()}
		// Tail the log while the job can still produce output
		if m.logJobID != "" {
			if job, ok := m.findJob(m.logJobID); ok && !lifecycle.IsTerminal(job.Status) {
				cmds = append(cmds, m.fetchLog(m.logJobID))
			}
		}
		return m, tea.Batch(cmds...)

	case flashExpiredMsg:
		// Only clear if the flash has actually expired (not replaced by a newer one)
		if !m.flashExpiry.IsZero() && m.now().After(m.flashExpiry) {
			m.flashMessage = ""
			m.flashIsError = false
			m.flashExpiry = time.Time{}
		}
		return m, nil
	}

	return m, nil
}

// sync copies the backend state into the model. New notifications become
// a flash message.
func (m *Model) sync() tea.Cmd {
	m.jobs = m.backend.Jobs()
	m.health = m.backend.ConnectionHealth()

	if m.selectedIndex >= len(m.jobs) {
		m.selectedIndex = len(m.jobs) - 1
	}
	if m.selectedIndex < 0 {
		m.selectedIndex = 0
	}
	if m.logJobID != "" {
		if _, ok := m.findJob(m.logJobID); !ok {
			m.logJobID = ""
		}
	}

	notes := m.backend.Notifications()
	if len(notes) < m.seenNotifications {
		// The backend trimmed its history
		m.seenNotifications = 0
	}
	var flash tea.Cmd
	if len(notes) > m.seenNotifications {
		n := notes[len(notes)-1]
		flash = m.setFlash(n.Message, n.Kind == "error")
	}
	m.seenNotifications = len(notes)
	return flash
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Help overlay - dismiss with ? or Esc
	if m.showHelp {
		if key.Matches(msg, keys.Help) || key.Matches(msg, keys.Escape) {
			m.showHelp = false
		}
		return m, nil
	}

	if key.Matches(msg, keys.Help) {
		m.showHelp = true
		return m, nil
	}

	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Suspend):
		return m, tea.Suspend

	case key.Matches(msg, keys.Up):
		if m.selectedIndex > 0 {
			m.selectedIndex--
			return m, m.followLog()
		}
		return m, nil

	case key.Matches(msg, keys.Down):
		if len(m.jobs) > 0 && m.selectedIndex < len(m.jobs)-1 {
			m.selectedIndex++
			return m, m.followLog()
		}
		return m, nil

	case key.Matches(msg, keys.Logs):
		if m.logJobID != "" {
			m.logJobID = ""
			return m, nil
		}
		job := m.getTargetJob()
		if job == nil {
			return m, nil
		}
		return m, m.openLog(job.ID)

	case key.Matches(msg, keys.Escape):
		if m.backend.JobSelection().Len() > 0 {
			m.backend.JobSelection().Clear()
			return m, nil
		}
		m.logJobID = ""
		m.flashMessage = ""
		return m, nil

	case key.Matches(msg, keys.Mark):
		job := m.getTargetJob()
		if job == nil {
			return m, nil
		}
		m.backend.JobSelection().Toggle(job.ID)
		if m.selectedIndex < len(m.jobs)-1 {
			m.selectedIndex++
		}
		return m, nil

	case key.Matches(msg, keys.MarkAll):
		sel := m.backend.JobSelection()
		if sel.Len() == len(m.jobs) {
			sel.Clear()
			return m, nil
		}
		ids := make([]string, len(m.jobs))
		for i, j := range m.jobs {
			ids[i] = j.ID
		}
		sel.SelectAll(ids)
		return m, nil

	case key.Matches(msg, keys.Start):
		return m.dispatchAction(lifecycle.ActionStart)

	case key.Matches(msg, keys.Stop):
		return m.dispatchAction(lifecycle.ActionStop)

	case key.Matches(msg, keys.Run):
		return m.dispatchAction(lifecycle.ActionRun)

	case key.Matches(msg, keys.Delete):
		sel := m.backend.JobSelection()
		if sel.Len() == 0 {
			job := m.getTargetJob()
			if job == nil {
				return m, nil
			}
			sel.Toggle(job.ID)
		}
		b, err := m.backend.PrepareJobs(lifecycle.ActionDelete)
		if err != nil {
			return m, m.setFlash(err.Error(), true)
		}
		m.confirm = &confirmation{batch: b}
		return m, nil

	case key.Matches(msg, keys.NewJob):
		m.inputMode = true
		m.inputFocus = 0
		m.inputs[inputTargets].Focus()
		m.flashMessage = ""

		// Pre-populate from highlighted job if inputs are empty
		job := m.getTargetJob()
		if job != nil && m.inputs[inputTargets].Value() == "" {
			m.inputs[inputTargets].SetValue(strings.Join(job.Target.Usernames, ", "))
			if job.Target.MaxTweets != nil {
				m.inputs[inputMaxTweets].SetValue(strconv.Itoa(*job.Target.MaxTweets))
			}
			m.inputs[inputScraperAccount].SetValue(job.Target.ScraperAccount)
		}
		return m, nil

	case key.Matches(msg, keys.Pull):
		if !m.pulling {
			m.pulling = true
			return m, m.pull()
		}
		return m, nil

	case key.Matches(msg, keys.Reload):
		m.backend.Reload()
		m.sync()
		return m, m.setFlash("Reconnecting...", false)
	}

	return m, nil
}

// dispatchAction applies action to the multi-selection, or to the
// highlighted job when nothing is selected
func (m Model) dispatchAction(action lifecycle.Action) (tea.Model, tea.Cmd) {
	if m.backend.JobSelection().Len() > 0 {
		b, err := m.backend.PrepareJobs(action)
		if err != nil {
			return m, m.setFlash(err.Error(), true)
		}
		b.Confirm()
		return m, tea.Batch(
			m.setFlash(fmt.Sprintf("%s %d job(s)...", action, len(b.IDs)), false),
			m.applyBatch(b),
		)
	}

	job := m.getTargetJob()
	if job == nil {
		return m, m.setFlash("No job selected", true)
	}
	// Reject locally so the key press gives immediate feedback
	if err := lifecycle.Check(job.ID, job.Status, action); err != nil {
		return m, m.setFlash(actionErrorText(action, job.ID, err), true)
	}
	return m, tea.Batch(
		m.setFlash(fmt.Sprintf("Sending %s for %s...", action, shortID(job.ID)), false),
		m.jobAction(job.ID, action),
	)
}

// handleConfirmKeyPress drives the two-step delete confirmation. Any key
// other than y cancels.
func (m Model) handleConfirmKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	b := m.confirm.batch
	if !key.Matches(msg, keys.Confirm) {
		m.confirm = nil
		m.backend.JobSelection().Clear()
		return m, m.setFlash("Delete cancelled", false)
	}
	if !b.Confirm() {
		return m, nil
	}
	m.confirm = nil
	return m, tea.Batch(
		m.setFlash(fmt.Sprintf("Deleting %d job(s)...", len(b.IDs)), false),
		m.applyBatch(b),
	)
}

func (m Model) handleInputKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.inputMode = false
		m.inputs[m.inputFocus].Blur()
		return m, nil

	case tea.KeyTab, tea.KeyShiftTab:
		// Cycle through inputs
		m.inputs[m.inputFocus].Blur()
		if msg.Type == tea.KeyShiftTab {
			m.inputFocus--
			if m.inputFocus < 0 {
				m.inputFocus = len(m.inputs) - 1
			}
		} else {
			m.inputFocus++
			if m.inputFocus >= len(m.inputs) {
				m.inputFocus = 0
			}
		}
		m.inputs[m.inputFocus].Focus()
		return m, nil

	case tea.KeyEnter:
		req, err := m.createRequest()
		if err != nil {
			return m, m.setFlash(err.Error(), true)
		}
		m.inputMode = false
		m.inputs[m.inputFocus].Blur()
		m.creatingJob = true
		m.flashMessage = ""
		return m, m.createJob(req)
	}

	// Forward other keys to the focused input
	var cmd tea.Cmd
	m.inputs[m.inputFocus], cmd = m.inputs[m.inputFocus].Update(msg)
	return m, cmd
}

// createRequest builds a create request from the form fields
func (m Model) createRequest() (api.CreateRequest, error) {
	var req api.CreateRequest
	for _, name := range strings.FieldsFunc(m.inputs[inputTargets].Value(), func(r rune) bool {
		return r == ',' || r == ' '
	}) {
		req.TargetUsernames = append(req.TargetUsernames, name)
	}
	if v := strings.TrimSpace(m.inputs[inputMaxTweets].Value()); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, fmt.Errorf("max tweets must be a positive number")
		}
		req.MaxTweets = &n
	}
	req.ScraperAccount = strings.TrimSpace(m.inputs[inputScraperAccount].Value())
	req.ProcessArticles = true
	req = req.Normalize()
	if len(req.TargetUsernames) == 0 {
		return req, errors.New("at least one target username is required")
	}
	return req, nil
}

func (m Model) getTargetJob() *store.Job {
	if len(m.jobs) == 0 || m.selectedIndex >= len(m.jobs) {
		return nil
	}
	return &m.jobs[m.selectedIndex]
}

func (m Model) findJob(id string) (store.Job, bool) {
	for _, j := range m.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return store.Job{}, false
}

func (m *Model) selectJob(id string) {
	for i, j := range m.jobs {
		if j.ID == id {
			m.selectedIndex = i
			return
		}
	}
}

// followLog switches an open log panel to the highlighted job
func (m *Model) followLog() tea.Cmd {
	if m.logJobID == "" {
		return nil
	}
	job := m.getTargetJob()
	if job == nil || job.ID == m.logJobID {
		return nil
	}
	return m.openLog(job.ID)
}

func (m *Model) openLog(id string) tea.Cmd {
	m.logJobID = id
	m.logLoading = true
	m.logError = ""
	m.backend.OpenLog(id)
	return m.fetchLog(id)
}

// Flash message duration
const flashDuration = 3 * time.Second

// setFlash sets a flash message and returns a timer command to clear it
func (m *Model) setFlash(msg string, isError bool) tea.Cmd {
	m.flashMessage = msg
	m.flashIsError = isError
	m.flashExpiry = m.now().Add(flashDuration)
	return tea.Tick(flashDuration, func(t time.Time) tea.Msg {
		return flashExpiredMsg{}
	})
}

// Commands

// waitForUpdate blocks until the backend reports a change
func (m Model) waitForUpdate() tea.Cmd {
	ch := m.backend.Updates()
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return syncUpdateMsg{}
	}
}

func (m Model) startLogTicker() tea.Cmd {
	return tea.Tick(m.logRefreshInterval, func(t time.Time) tea.Msg {
		return logTickMsg(t)
	})
}

func (m Model) fetchLog(id string) tea.Cmd {
	backend, timeout := m.backend, m.actionTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		n, err := backend.FetchLog(ctx, id)
		return logFetchedMsg{jobID: id, added: n, err: err}
	}
}

func (m Model) jobAction(id string, action lifecycle.Action) tea.Cmd {
	backend, timeout := m.backend, m.actionTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		text, err := backend.JobAction(ctx, id, action)
		return actionDoneMsg{action: action, jobID: id, message: text, err: err}
	}
}

func (m Model) applyBatch(b *bulk.Batch) tea.Cmd {
	backend, timeout := m.backend, m.actionTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := backend.BulkApply(ctx, b)
		return bulkDoneMsg{result: res, err: err}
	}
}

func (m Model) createJob(req api.CreateRequest) tea.Cmd {
	backend, timeout := m.backend, m.actionTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		id, err := backend.Create(ctx, req)
		return jobCreatedMsg{jobID: id, err: err}
	}
}

func (m Model) pull() tea.Cmd {
	backend, timeout := m.backend, m.actionTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return pullDoneMsg{err: backend.Refresh(ctx)}
	}
}

func actionErrorText(action lifecycle.Action, id string, err error) string {
	var ge *lifecycle.GuardError
	if errors.As(err, &ge) {
		return fmt.Sprintf("Can't %s job %s while it is %s", action, shortID(id), ge.Status)
	}
	return fmt.Sprintf("%s %s failed: %v", action, shortID(id), err)
}

func bulkSummary(res *bulk.Result) string {
	text := res.Summary()
	if failed := res.Failed(); len(failed) > 0 {
		text += fmt.Sprintf(" (%s: %v)", shortID(failed[0].ID), failed[0].Err)
	}
	return text
}

// shortID abbreviates a job id for display
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
