package device

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/procguard/internal/extprocess"
	"github.com/loykin/procguard/internal/metrics"
	sm "github.com/loykin/procguard/internal/statemachine"
)

var ErrNoLoginPending = errors.New("no login pending")

// Settings controls the login guard.
type Settings struct {
	Name         string
	RemoteLogin  bool
	LoginTimeout time.Duration
}

// Status is a snapshot of the device side.
type Status struct {
	Started      bool `json:"started"`
	GuardArmed   bool `json:"guard_armed"`
	LoggedIn     bool `json:"logged_in"`
	RemoteLogin  bool `json:"remote_login"`
	LoginTimeout int  `json:"login_timeout_sec"`
}

// Device tracks whether the supervised process has logged in. With remote login enabled a
// started guard must be satisfied by Login before LoginTimeout elapses, otherwise
// EP_EXTPROCESS_LOGIN_TIMEOUT is posted.
type Device struct {
	settings Settings
	post     func(sm.Event)
	log      *slog.Logger
	guard    *extprocess.OneShot

	mu       sync.Mutex
	started  bool
	armed    bool
	armedAt  time.Time
	loggedIn bool
}

// New creates a Device. post delivers events to the controller and must be safe to call
// from timer goroutines.
func New(s Settings, post func(sm.Event), log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	d := &Device{settings: s, post: post, log: log.With("component", "device", "name", s.Name)}
	d.guard = extprocess.NewOneShot(d.guardExpired)
	return d
}

func (d *Device) StartDevice() bool {
	if d.settings.RemoteLogin && d.settings.LoginTimeout <= 0 {
		d.log.Error("remote login enabled without a usable timeout")
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		d.started = true
		d.log.Info("device started", "remote_login", d.settings.RemoteLogin)
	}
	return true
}

func (d *Device) StartLoginGuard() {
	d.mu.Lock()
	d.loggedIn = false
	if !d.settings.RemoteLogin {
		d.armed = false
		d.loggedIn = true
		d.mu.Unlock()
		d.post(sm.Event{Index: extprocess.EP_EXTPROCESS_LOGGED_IN})
		return
	}
	d.armed = true
	d.armedAt = time.Now()
	d.mu.Unlock()
	d.guard.Start(d.settings.LoginTimeout)
	d.log.Debug("login guard armed", "timeout", d.settings.LoginTimeout)
}

func (d *Device) StopLoginGuard() {
	d.mu.Lock()
	d.armed = false
	d.mu.Unlock()
	d.guard.Stop()
}

// Login reports that the supervised process connected.
func (d *Device) Login() error {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return ErrNoLoginPending
	}
	d.armed = false
	d.loggedIn = true
	waited := time.Since(d.armedAt)
	d.mu.Unlock()
	d.guard.Stop()
	metrics.ObserveLoginDuration(d.settings.Name, waited.Seconds())
	d.log.Info("external process logged in", "after", waited)
	d.post(sm.Event{Index: extprocess.EP_EXTPROCESS_LOGGED_IN})
	return nil
}

func (d *Device) LoggedIn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loggedIn
}

func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Started:      d.started,
		GuardArmed:   d.armed,
		LoggedIn:     d.loggedIn,
		RemoteLogin:  d.settings.RemoteLogin,
		LoginTimeout: int(d.settings.LoginTimeout / time.Second),
	}
}

func (d *Device) guardExpired() {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.mu.Unlock()
	d.log.Warn("login guard expired", "timeout", d.settings.LoginTimeout)
	d.post(sm.Event{Index: extprocess.EP_EXTPROCESS_LOGIN_TIMEOUT})
}
