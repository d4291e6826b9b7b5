package client

import "time"

// ControllerStatus mirrors the supervisor snapshot.
type ControllerStatus struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	Command             string    `json:"command"`
	Restarts            int       `json:"restarts"`
	LastEvent           string    `json:"last_event"`
	RestartWindowActive bool      `json:"restart_window_active"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type DeviceStatus struct {
	Started         bool `json:"started"`
	GuardArmed      bool `json:"guard_armed"`
	LoggedIn        bool `json:"logged_in"`
	RemoteLogin     bool `json:"remote_login"`
	LoginTimeoutSec int  `json:"login_timeout_sec"`
}

// ProcessStatus represents the status of the supervised OS process
type ProcessStatus struct {
	Name      string    `json:"name"`
	Command   string    `json:"command"`
	RunID     string    `json:"run_id"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Error     string    `json:"exit_error,omitempty"`
	Launches  int       `json:"launches"`
}

// Status is the combined answer of GET /status. Components the daemon does not run are nil.
type Status struct {
	Controller *ControllerStatus `json:"controller,omitempty"`
	Device     *DeviceStatus     `json:"device,omitempty"`
	Process    *ProcessStatus    `json:"process,omitempty"`
}

// RaiseRequest represents a request to raise an event
type RaiseRequest struct {
	EventID    uint32   `json:"event_id"`
	ScenarioID uint32   `json:"scenario_id"`
	Source     string   `json:"source,omitempty"`
	Args       []string `json:"args,omitempty"`
}

// Event is one active, acknowledgement-tracked event.
type Event struct {
	EventID     uint32    `json:"event_id"`
	EventKey    uint64    `json:"event_key"`
	Name        string    `json:"name,omitempty"`
	ErrorCode   uint32    `json:"error_code"`
	ScenarioID  uint32    `json:"scenario_id"`
	Source      string    `json:"source,omitempty"`
	Args        []string  `json:"args,omitempty"`
	CurrentStep uint32    `json:"current_step"`
	AckType     string    `json:"ack_type,omitempty"`
	Status      string    `json:"status"`
	Ref         string    `json:"ref,omitempty"`
	RaisedAt    time.Time `json:"raised_at"`
}

type ErrorCode struct {
	EventID    uint32 `json:"event_id"`
	ScenarioID uint32 `json:"scenario_id"`
	ErrorCode  uint32 `json:"error_code"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
