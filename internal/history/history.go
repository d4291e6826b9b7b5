package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of audit event.
type EventType string

const (
	EventTransition   EventType = "transition"
	EventRaised       EventType = "raised"
	EventAcknowledged EventType = "acknowledged"
	EventResolved     EventType = "resolved"
)

// Record is the payload of an audit event. Fields that do not apply to a type stay zero.
type Record struct {
	Source     string `json:"source"`
	RunID      string `json:"run_id,omitempty"`
	PID        int    `json:"pid,omitempty"`
	State      string `json:"state,omitempty"`
	EventID    uint32 `json:"event_id,omitempty"`
	EventKey   uint64 `json:"event_key,omitempty"`
	ErrorCode  uint32 `json:"error_code,omitempty"`
	ScenarioID uint32 `json:"scenario_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Event represents an audit event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink. A failing sink is logged and does not stop the
// others; the joined error is returned.
type Multi struct {
	sinks []Sink
	log   *slog.Logger
}

func NewMulti(log *slog.Logger, sinks ...Sink) *Multi {
	if log == nil {
		log = slog.Default()
	}
	return &Multi{sinks: sinks, log: log.With("component", "history")}
}

func (m *Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Send(ctx, e); err != nil {
			m.log.Warn("history sink failed", "type", e.Type, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Close closes every sink that implements io.Closer.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
