package eventhandler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotRunning      = errors.New("event handler not running")
	ErrUnknownEventKey = errors.New("unknown event key")
	ErrUnknownRef      = errors.New("unknown acknowledgement reference")
	ErrInvalidAck      = errors.New("invalid acknowledgement")
	ErrDuplicateEvent  = errors.New("duplicate event definition")
)

// AckType is the kind of operator acknowledgement.
type AckType string

const (
	AckNone   AckType = ""
	AckOK     AckType = "ok"
	AckNOK    AckType = "nok"
	AckProxy  AckType = "proxy"
	AckCancel AckType = "cancel"
)

func ParseAckType(s string) (AckType, error) {
	switch t := AckType(strings.ToLower(strings.TrimSpace(s))); t {
	case AckOK, AckNOK, AckProxy, AckCancel:
		return t, nil
	}
	return AckNone, fmt.Errorf("%w: %q", ErrInvalidAck, s)
}

// Event lifecycle states.
const (
	StatusRaised       = "raised"
	StatusDisplayed    = "displayed"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
)

// Step is one stage of an acknowledged event. A next step of 0 ends the event.
type Step struct {
	ID      uint32 `json:"id"`
	Action  string `json:"action,omitempty"`
	NextOK  uint32 `json:"next_ok"`
	NextNOK uint32 `json:"next_nok"`
}

type Definition struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Severity    string `json:"severity,omitempty"`
	AckRequired bool   `json:"ack_required"`
	Steps       []Step `json:"steps,omitempty"`
}

func (d Definition) step(id uint32) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Raise asks the bus to report an event.
type Raise struct {
	EventID    uint32   `json:"event_id"`
	ScenarioID uint32   `json:"scenario_id"`
	Source     string   `json:"source,omitempty"`
	Args       []string `json:"args,omitempty"`
}

// Ack is an operator acknowledgement for a tracked event key.
type Ack struct {
	Type AckType `json:"type"`
}

// RuntimeInfo is the tracked state of one active event instance.
type RuntimeInfo struct {
	EventID     uint32    `json:"event_id"`
	EventKey    uint64    `json:"event_key"`
	Name        string    `json:"name,omitempty"`
	ErrorCode   uint32    `json:"error_code"`
	ScenarioID  uint32    `json:"scenario_id"`
	Source      string    `json:"source,omitempty"`
	Args        []string  `json:"args,omitempty"`
	CurrentStep uint32    `json:"current_step"`
	AckType     AckType   `json:"ack_type,omitempty"`
	Status      string    `json:"status"`
	Ref         string    `json:"ref,omitempty"`
	RaisedAt    time.Time `json:"raised_at"`
}
