package process

import "time"

// Status is a point-in-time view of the supervised process.
type Status struct {
	Name        string    `json:"name"`
	Command     string    `json:"command"`
	RunID       string    `json:"run_id"`
	Running     bool      `json:"running"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at"`
	OSStartedAt int64     `json:"os_started_at,omitempty"` // unix seconds as reported by the OS
	ExitErr     string    `json:"exit_error,omitempty"`
	Launches    int       `json:"launches"`
}
