package syncer

import (
	"errors"

	"github.com/osteele/jobwatch/internal/metrics"
	"github.com/osteele/jobwatch/internal/store"
	"github.com/osteele/jobwatch/internal/stream"
)

// handleEvent receives every push channel event
func (s *Syncer) handleEvent(e stream.Event) {
	switch e.Kind {
	case stream.EventOpen:
		metrics.Connected.Set(1)
		// Catch up on anything missed while disconnected
		s.poller.Force()
		s.signal()
	case stream.EventClose:
		metrics.Connected.Set(0)
		if !e.State.Failed && e.State.ReconnectAttempts > 0 {
			metrics.ReconnectAttemptsTotal.Inc()
		}
		s.signal()
	case stream.EventFailed:
		metrics.Connected.Set(0)
		s.addNotification(Notification{Kind: "error", Message: "Disconnected from server. Press R to reload."})
	case stream.EventError:
		s.log.Warn("push message dropped", "error", e.Err)
	case stream.EventMessage:
		s.dispatch(e.Message)
	}
}

// dispatch applies one decoded push message. Every message type is handled
// here.
func (s *Syncer) dispatch(msg stream.Message) {
	metrics.PushMessagesTotal.WithLabelValues(string(msg.Type())).Inc()

	switch m := msg.(type) {
	case stream.JobUpdate:
		res := s.store.ApplyPatch(m.JobID, m.Patch(s.clock.Now()))
		if res.Changed() {
			metrics.PatchesTotal.WithLabelValues(store.SourcePush.String()).Inc()
		}
		if len(res.Stale) > 0 {
			metrics.StaleFieldsTotal.WithLabelValues(store.SourcePush.String()).Add(float64(len(res.Stale)))
			s.log.Debug("stale push fields", "job", m.JobID, "fields", res.Stale)
		}

	case stream.SystemStats:
		s.mu.Lock()
		s.system = &m
		s.mu.Unlock()
		s.signal()

	case stream.LogEvent:
		s.mu.Lock()
		s.serverLog = append(s.serverLog, m)
		if len(s.serverLog) > DefaultServerLogLimit {
			s.serverLog = s.serverLog[len(s.serverLog)-DefaultServerLogLimit:]
		}
		s.mu.Unlock()
		s.signal()

	case stream.Notification:
		kind := m.Kind
		if kind == "" {
			kind = "info"
		}
		s.addNotification(Notification{Time: m.Timestamp, Kind: kind, Message: m.Message})

	case stream.ErrorEvent:
		s.addNotification(Notification{Kind: "error", Message: m.Message})

	case stream.Pong:
		s.mu.Lock()
		s.lastPong = s.clock.Now()
		s.mu.Unlock()

	case stream.Info:
		s.log.Debug("push info", "type", m.Kind)

	default:
		s.log.Warn("unhandled push message", "error", errors.New("no handler"), "type", msg.Type())
	}
}
