package extprocess

import "strconv"

// Event indices exchanged between the controller's states. The values are persisted in
// history and logs and must not be renumbered.
const (
	EP_NULL_CTRL_POINTER        = 1
	EP_SIGNALCONNECT_FAILED     = 2
	EP_CANNOT_START_DEVICE      = 3
	EP_CANNOT_START_EXTPROCESS  = 4
	EP_EXTPROCESS_LOGIN_TIMEOUT = 5
	EP_EXTPROCESS_EXITED        = 6
	EP_CANNOT_KILL_EXTPROCESS   = 7
	EP_TOO_MANY_RESTARTS        = 8
	EP_EXTPROCESS_LOGGED_IN     = 9
	EP_START                    = 10
)

var eventNames = map[int]string{
	EP_NULL_CTRL_POINTER:        "EP_NULL_CTRL_POINTER",
	EP_SIGNALCONNECT_FAILED:     "EP_SIGNALCONNECT_FAILED",
	EP_CANNOT_START_DEVICE:      "EP_CANNOT_START_DEVICE",
	EP_CANNOT_START_EXTPROCESS:  "EP_CANNOT_START_EXTPROCESS",
	EP_EXTPROCESS_LOGIN_TIMEOUT: "EP_EXTPROCESS_LOGIN_TIMEOUT",
	EP_EXTPROCESS_EXITED:        "EP_EXTPROCESS_EXITED",
	EP_CANNOT_KILL_EXTPROCESS:   "EP_CANNOT_KILL_EXTPROCESS",
	EP_TOO_MANY_RESTARTS:        "EP_TOO_MANY_RESTARTS",
	EP_EXTPROCESS_LOGGED_IN:     "EP_EXTPROCESS_LOGGED_IN",
	EP_START:                    "EP_START",
}

// EventName returns the symbolic name of an event index.
func EventName(index int) string {
	if n, ok := eventNames[index]; ok {
		return n
	}
	return "EP_UNKNOWN_" + strconv.Itoa(index)
}

// State names.
const (
	StateInitial    = "Initial"
	StateStartRetry = "ExtProcessStartRetry"
	StateWorking    = "Working"
	StateFatalError = "FatalError"
)
