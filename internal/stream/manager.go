// Package stream owns the single persistent push connection to the server.
//
// A lost connection is retried with bounded exponential backoff. After
// MaxAttempts consecutive failures the manager gives up and reports a
// persistent failure; only Reload starts it again.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osteele/jobwatch/internal/clock"
)

// Default reconnect settings
const (
	DefaultBaseDelay    = 1000 * time.Millisecond
	DefaultMaxDelay     = 30000 * time.Millisecond
	DefaultMaxAttempts  = 5
	DefaultPingInterval = 30 * time.Second
	DefaultDialTimeout  = 10 * time.Second
)

// NoRetry as Options.MaxAttempts disables reconnecting: the first failure
// is final. A zero MaxAttempts means DefaultMaxAttempts.
const NoRetry = -1

// ErrReconnectExhausted is the one fatal condition: the manager stopped
// retrying and needs a manual reload
var ErrReconnectExhausted = errors.New("push channel reconnect attempts exhausted")

// Conn is one open connection
type Conn interface {
	// ReadMessage blocks until a message arrives or the connection fails
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// State is the connection health exposed to the UI
type State struct {
	Connected         bool
	ReconnectAttempts int
	LastError         string
	// Failed is set once reconnect attempts are exhausted
	Failed bool
	// NextRetry is when the pending reconnect will fire, zero if none
	NextRetry time.Time
	// ConnectionID identifies the current connection in logs
	ConnectionID string
}

// EventKind tags an Event
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventClose
	// EventError reports a message that could not be decoded
	EventError
	// EventFailed is emitted once when reconnect attempts run out
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
	State   State
}

// Options configures a Manager
type Options struct {
	Dialer       Dialer
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	DialTimeout  time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	// OnOpen returns messages to send right after every successful open
	OnOpen func() []ClientMessage
}

// Manager is safe for concurrent use
type Manager struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	endpoint  string
	conn      Conn
	gen       uint64
	state     State
	retry     clock.Timer
	pingTimer clock.Timer

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  []func(Event)
}

// NewManager returns a disconnected Manager
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	switch {
	case opts.MaxAttempts == 0:
		opts.MaxAttempts = DefaultMaxAttempts
	case opts.MaxAttempts < 0:
		opts.MaxAttempts = 0
	}
	if opts.PingInterval < 0 {
		opts.PingInterval = 0
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts: opts,
		log:  opts.Logger.With("component", "stream"),
	}
}

// Subscribe registers fn for every event. Callbacks run on the manager's
// goroutines and must not block.
func (m *Manager) Subscribe(fn func(Event)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, fn)
}

// State returns the current connection health
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens a connection to endpoint, first closing any existing one so
// that there is never more than one live connection.
func (m *Manager) Connect(endpoint string) {
	m.mu.Lock()
	m.endpoint = endpoint
	gen := m.resetLocked()
	m.mu.Unlock()

	m.dial(gen)
}

// Reload is the manual recovery path after a persistent failure. It clears
// the attempt counter and connects again.
func (m *Manager) Reload() {
	m.mu.Lock()
	gen := m.resetLocked()
	m.state.ReconnectAttempts = 0
	m.state.Failed = false
	m.state.LastError = ""
	m.mu.Unlock()

	m.log.Info("manual reload")
	m.dial(gen)
}

// Disconnect tears down the connection and cancels any pending reconnect
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasConnected := m.state.Connected
	m.resetLocked()
	m.state.NextRetry = time.Time{}
	state := m.state
	m.mu.Unlock()

	if wasConnected {
		m.emit(Event{Kind: EventClose, State: state})
	}
}

// Send writes a message on the current connection
func (m *Manager) Send(msg ClientMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("push channel not connected")
	}
	return m.write(conn, msg)
}

// resetLocked invalidates the current connection and timers and returns the
// new generation. Callbacks from older generations are ignored.
func (m *Manager) resetLocked() uint64 {
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state.Connected = false
	m.state.ConnectionID = ""
	return m.gen
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	endpoint := m.endpoint
	m.state.NextRetry = time.Time{}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	conn, err := m.opts.Dialer.Dial(ctx, endpoint)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.closed(gen, err)
		return
	}

	m.conn = conn
	m.state.Connected = true
	m.state.ReconnectAttempts = 0
	m.state.LastError = ""
	m.state.Failed = false
	m.state.ConnectionID = uuid.NewString()
	m.armPingLocked(gen)
	state := m.state
	m.mu.Unlock()

	m.log.Info("push channel open", "endpoint", endpoint, "connection_id", state.ConnectionID)
	m.emit(Event{Kind: EventOpen, State: state})

	if m.opts.OnOpen != nil {
		for _, msg := range m.opts.OnOpen() {
			if err := m.write(conn, msg); err != nil {
				m.log.Warn("send on open failed", "type", msg.Type, "error", err)
			}
		}
	}

	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.closed(gen, err)
			return
		}
		if !m.current(gen) {
			return
		}

		msg, err := Decode(data)
		if err != nil {
			m.log.Warn("undecodable push message", "error", err)
			m.emit(Event{Kind: EventError, Err: err, State: m.State()})
			continue
		}
		m.emit(Event{Kind: EventMessage, Message: msg, State: m.State()})
	}
}

// closed handles the loss of a connection, or a failed dial, and schedules
// the next attempt
func (m *Manager) closed(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	m.state.Connected = false
	m.state.ConnectionID = ""
	if cause != nil {
		m.state.LastError = cause.Error()
	}

	failed := false
	if m.state.ReconnectAttempts < m.opts.MaxAttempts {
		delay := Backoff(m.state.ReconnectAttempts, m.opts.BaseDelay, m.opts.MaxDelay)
		m.state.ReconnectAttempts++
		m.state.NextRetry = m.opts.Clock.Now().Add(delay)
		m.retry = m.opts.Clock.AfterFunc(delay, func() { m.reconnect(gen) })
		m.log.Warn("push channel closed, reconnecting",
			"error", cause, "attempt", m.state.ReconnectAttempts, "delay", delay)
	} else {
		m.state.Failed = true
		m.state.NextRetry = time.Time{}
		failed = true
		m.log.Error("push channel reconnect attempts exhausted", "error", cause, "attempts", m.state.ReconnectAttempts)
	}
	state := m.state
	m.mu.Unlock()

	m.emit(Event{Kind: EventClose, Err: cause, State: state})
	if failed {
		m.emit(Event{Kind: EventFailed, Err: fmt.Errorf("%w: %s", ErrReconnectExhausted, state.LastError), State: state})
	}
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	m.retry = nil
	ok := gen == m.gen
	m.mu.Unlock()
	if ok {
		m.dial(gen)
	}
}

func (m *Manager) armPingLocked(gen uint64) {
	if m.opts.PingInterval == 0 {
		return
	}
	m.pingTimer = m.opts.Clock.AfterFunc(m.opts.PingInterval, func() { m.ping(gen) })
}

func (m *Manager) ping(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.armPingLocked(gen)
	m.mu.Unlock()

	if err := m.write(conn, Ping()); err != nil {
		m.log.Warn("ping failed", "error", err)
		// The read loop sees the broken connection and reconnects
		conn.Close()
	}
}

func (m *Manager) write(conn Conn, msg ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(data)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) emit(e Event) {
	m.subMu.Lock()
	subs := append([]func(Event){}, m.subs...)
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// Backoff returns the delay before reconnect attempt n (zero-based):
// base * 2^n, capped at max
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
