package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/store"
)

// Type is the tag of a push message envelope
type Type string

const (
	TypeJobUpdate    Type = "job_update"
	TypeSystemStats  Type = "system_stats"
	TypeLog          Type = "log"
	TypeNotification Type = "notification"
	TypeError        Type = "error"
	TypePong         Type = "pong"

	// TypeJobStatus is sent once per running job right after connecting.
	// It carries the same data as job_update.
	TypeJobStatus Type = "job_status"

	TypeWelcome          Type = "welcome"
	TypeConnectionUpdate Type = "connection_update"
	TypeLogSubscription  Type = "log_subscription"
)

// ErrUnknownType is returned by Decode for tags outside the known set
var ErrUnknownType = errors.New("unknown message type")

// Message is one decoded push message. The set of implementations is
// closed: JobUpdate, SystemStats, LogEvent, Notification, ErrorEvent, Pong
// and Info.
type Message interface {
	Type() Type
}

// JobUpdate reports a job's status and counters
type JobUpdate struct {
	JobID           string
	Status          lifecycle.Status
	Stats           *store.Stats
	TargetUsernames []string
	Timestamp       time.Time
	// Initial is set for the job_status burst sent on connect
	Initial bool
}

// Patch converts the update into a store patch. Updates without a server
// timestamp are stamped with received.
func (u JobUpdate) Patch(received time.Time) store.Patch {
	at := u.Timestamp
	if at.IsZero() {
		at = received
	}
	p := store.Patch{At: at, Source: store.SourcePush}
	if u.Status != "" {
		status := u.Status
		p.Status = &status
	}
	if u.Stats != nil {
		stats := *u.Stats
		p.Stats = &stats
	}
	return p
}

// SystemStats is the periodic server-wide summary
type SystemStats struct {
	Users struct {
		Total  int `json:"total"`
		Active int `json:"active"`
	} `json:"users"`
	Tweets struct {
		Total int `json:"total"`
	} `json:"tweets"`
	Jobs struct {
		Running        int `json:"running"`
		CompletedToday int `json:"completed_today"`
		FailedToday    int `json:"failed_today"`
	} `json:"jobs"`
	Timestamp time.Time `json:"-"`
}

// LogEvent is a server log line broadcast to subscribed clients
type LogEvent struct {
	Level     string
	Message   string
	Source    string
	Timestamp time.Time
}

// Notification is a user-facing message from the server
type Notification struct {
	Message   string
	Kind      string
	Timestamp time.Time
}

// ErrorEvent is an error the server reports about this connection
type ErrorEvent struct {
	Message string
}

// Pong answers a keep-alive ping
type Pong struct {
	Timestamp time.Time
}

// Info carries informational messages the client doesn't act on
type Info struct {
	Kind Type
	Data json.RawMessage
}

func (JobUpdate) Type() Type    { return TypeJobUpdate }
func (SystemStats) Type() Type  { return TypeSystemStats }
func (LogEvent) Type() Type     { return TypeLog }
func (Notification) Type() Type { return TypeNotification }
func (ErrorEvent) Type() Type   { return TypeError }
func (Pong) Type() Type         { return TypePong }
func (i Info) Type() Type       { return i.Kind }

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type jobUpdateData struct {
	JobID       string           `json:"job_id"`
	Status      lifecycle.Status `json:"status"`
	Stats       *store.Stats     `json:"stats"`
	TargetUsers []string         `json:"target_users"`
	Timestamp   string           `json:"timestamp"`
}

type logData struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

type notificationData struct {
	Message          string `json:"message"`
	NotificationType string `json:"notification_type"`
	Timestamp        string `json:"timestamp"`
}

type timestampData struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Decode parses one envelope into its typed message
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}

	switch env.Type {
	case TypeJobUpdate, TypeJobStatus:
		var d jobUpdateData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if d.JobID == "" {
			return nil, fmt.Errorf("decode %s: missing job_id", env.Type)
		}
		return JobUpdate{
			JobID:           d.JobID,
			Status:          d.Status,
			Stats:           d.Stats,
			TargetUsernames: d.TargetUsers,
			Timestamp:       parseOptionalTime(d.Timestamp),
			Initial:         env.Type == TypeJobStatus,
		}, nil

	case TypeSystemStats:
		var d struct {
			SystemStats
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		stats := d.SystemStats
		stats.Timestamp = parseOptionalTime(d.Timestamp)
		return stats, nil

	case TypeLog:
		var d logData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return LogEvent{Level: d.Level, Message: d.Message, Source: d.Source, Timestamp: parseOptionalTime(d.Timestamp)}, nil

	case TypeNotification:
		var d notificationData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return Notification{Message: d.Message, Kind: d.NotificationType, Timestamp: parseOptionalTime(d.Timestamp)}, nil

	case TypeError:
		var d timestampData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ErrorEvent{Message: d.Message}, nil

	case TypePong:
		var d timestampData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return Pong{Timestamp: parseOptionalTime(d.Timestamp)}, nil

	case TypeWelcome, TypeConnectionUpdate, TypeLogSubscription:
		return Info{Kind: env.Type, Data: data}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
}

// ClientMessage is sent from the client to the server
type ClientMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Ping is the keep-alive request
func Ping() ClientMessage {
	return ClientMessage{Type: "ping"}
}

// SubscribeLogs asks the server to broadcast log events to this connection
func SubscribeLogs() ClientMessage {
	return ClientMessage{Type: "subscribe_logs"}
}

// RequestJobStatus asks for a job_status message for one job
func RequestJobStatus(jobID string) ClientMessage {
	return ClientMessage{Type: "request_job_status", Data: map[string]any{"job_id": jobID}}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime parses the server's ISO-8601 timestamps. Values without a zone
// are UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func parseOptionalTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
