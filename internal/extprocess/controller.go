package extprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/procguard/internal/history"
	"github.com/loykin/procguard/internal/metrics"
	sm "github.com/loykin/procguard/internal/statemachine"
)

const (
	// DefaultRestartWindow bounds restarts to one per window.
	DefaultRestartWindow = 10 * time.Second
	// DefaultMaxStartFailures is how many launches in a row may fail in ExtProcessStartRetry
	// before it gives up with EP_TOO_MANY_RESTARTS.
	DefaultMaxStartFailures = 3
)

var (
	ErrNilCollaborator = errors.New("device and process are required")
	ErrStopped         = errors.New("controller stopped")
)

// Device is the network/login side of the supervised process.
type Device interface {
	StartDevice() bool
	StartLoginGuard()
	StopLoginGuard()
}

// Process launches and stops the OS process.
type Process interface {
	StartProcess(command string) bool
	KillProcess() bool
	TerminateProcess() bool
}

// Raiser reports a fault through the event bus.
type Raiser interface {
	RaiseEvent(ctx context.Context, eventID, scenarioID uint32, source string) error
}

// RaiserFunc adapts a function to Raiser.
type RaiserFunc func(ctx context.Context, eventID, scenarioID uint32, source string) error

func (f RaiserFunc) RaiseEvent(ctx context.Context, eventID, scenarioID uint32, source string) error {
	return f(ctx, eventID, scenarioID, source)
}

// Config holds the controller settings.
type Config struct {
	Name             string
	Command          string
	RestartWindow    time.Duration
	FatalEventID     uint32 // raised when FatalError is entered; 0 disables
	MaxStartFailures int    // consecutive failed launches tolerated during restart
}

// Snapshot is a copy of the controller state for status reporting.
type Snapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Command      string    `json:"command"`
	Restarts     int       `json:"restarts"`
	LastEvent    string    `json:"last_event"`
	WindowActive bool      `json:"restart_window_active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Controller supervises one external process with a state machine. All state-machine work
// happens on the goroutine running Run; other goroutines feed it through Submit.
type Controller struct {
	cfg     Config
	device  Device
	process Process
	window  Timer
	raiser  Raiser
	history history.Sink
	log     *slog.Logger

	machine *sm.Machine
	events  chan sm.Event
	done    chan struct{}
	runOnce sync.Once

	// owned by the state machine goroutine
	startFailures int

	mu       sync.RWMutex
	snap     Snapshot
	restarts int
}

// Option customizes a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithWindowTimer replaces the restart window timer.
func WithWindowTimer(t Timer) Option { return func(c *Controller) { c.window = t } }

func WithRaiser(r Raiser) Option { return func(c *Controller) { c.raiser = r } }

func WithHistory(s history.Sink) Option { return func(c *Controller) { c.history = s } }

func NewController(cfg Config, dev Device, proc Process, opts ...Option) (*Controller, error) {
	if dev == nil || proc == nil {
		return nil, ErrNilCollaborator
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = DefaultRestartWindow
	}
	if cfg.MaxStartFailures <= 0 {
		cfg.MaxStartFailures = DefaultMaxStartFailures
	}
	c := &Controller{
		cfg:     cfg,
		device:  dev,
		process: proc,
		events:  make(chan sm.Event, 64),
		done:    make(chan struct{}),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "extprocess", "name", cfg.Name)
	if c.window == nil {
		c.window = NewOneShot(func() { c.log.Debug("restart window elapsed") })
	}
	c.snap = Snapshot{Name: cfg.Name, Command: cfg.Command}
	if err := c.build(); err != nil {
		return nil, err
	}
	return c, nil
}

// build registers the states and the transition table.
func (c *Controller) build() error {
	m := sm.NewMachine(c.log)
	base := stateBase{ctrl: c, post: m.Post}
	behaviors := []struct {
		name string
		b    sm.Behavior
	}{
		{StateInitial, &initial{base}},
		{StateStartRetry, &startRetry{base}},
		{StateWorking, &working{base}},
		{StateFatalError, &fatalError{base}},
	}
	for _, e := range behaviors {
		s, err := sm.NewState(e.name, e.b, c.log)
		if err != nil {
			return err
		}
		if err := m.AddState(s); err != nil {
			return err
		}
	}
	for _, t := range transitionTable {
		s, _ := m.State(t.from)
		if err := s.AddTransition(t.to, t.event); err != nil {
			return fmt.Errorf("build transition table: %w", err)
		}
	}
	m.SetTransitionHook(c.onTransition)
	c.machine = m
	return nil
}

var transitionTable = []struct {
	from  string
	event int
	to    string
}{
	{StateInitial, EP_EXTPROCESS_EXITED, StateStartRetry},
	{StateInitial, EP_CANNOT_START_EXTPROCESS, StateStartRetry},
	{StateInitial, EP_EXTPROCESS_LOGGED_IN, StateWorking},
	{StateInitial, EP_CANNOT_START_DEVICE, StateFatalError},
	{StateInitial, EP_CANNOT_KILL_EXTPROCESS, StateFatalError},
	{StateInitial, EP_NULL_CTRL_POINTER, StateFatalError},
	{StateInitial, EP_SIGNALCONNECT_FAILED, StateFatalError},

	{StateStartRetry, EP_EXTPROCESS_LOGGED_IN, StateWorking},
	{StateStartRetry, EP_TOO_MANY_RESTARTS, StateFatalError},
	{StateStartRetry, EP_CANNOT_KILL_EXTPROCESS, StateFatalError},
	{StateStartRetry, EP_NULL_CTRL_POINTER, StateFatalError},

	{StateWorking, EP_EXTPROCESS_EXITED, StateStartRetry},
	{StateWorking, EP_NULL_CTRL_POINTER, StateFatalError},
}

// Submit hands ev to the controller goroutine. It is safe for concurrent use and returns
// ErrStopped once Run has returned.
func (c *Controller) Submit(ev sm.Event) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// Start requests the initial start of device and process.
func (c *Controller) Start() error { return c.Submit(sm.Event{Index: EP_START}) }

// Run processes events until ctx is cancelled. It may be called once.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("controller already running")
	}
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.Dispatch(ev)
		}
	}
}

// Dispatch feeds ev to the state machine synchronously. Only the goroutine that owns the
// controller (Run, or a test) may call it.
func (c *Controller) Dispatch(ev sm.Event) {
	c.log.Debug("event", "event", EventName(ev.Index), "state", c.machine.Current())
	c.mu.Lock()
	c.snap.LastEvent = EventName(ev.Index)
	c.snap.UpdatedAt = time.Now()
	c.mu.Unlock()

	if c.machine.Current() == "" {
		if ev.Index != EP_START {
			c.log.Warn("event before start dropped", "event", EventName(ev.Index))
			return
		}
		_ = c.machine.Start(StateInitial, ev)
		return
	}
	if ev.Index == EP_START {
		c.log.Warn("already started")
		return
	}
	_ = c.machine.Dispatch(ev)
}

// Stop terminates the process and the login guard. Call it after Run returned so no
// exit event can trigger a restart.
func (c *Controller) Stop() {
	c.window.Stop()
	c.device.StopLoginGuard()
	if !c.process.TerminateProcess() {
		c.log.Error("terminate failed during stop")
	}
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Snapshot returns the current controller status.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	s := c.snap
	s.Restarts = c.restarts
	c.mu.RUnlock()
	s.WindowActive = c.window.IsActive()
	return s
}

// State returns the active state name.
func (c *Controller) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.State
}

func (c *Controller) startProcess() bool {
	if !c.process.StartProcess(c.cfg.Command) {
		c.log.Error("cannot start external process", "command", c.cfg.Command)
		return false
	}
	return true
}

func (c *Controller) startFailed() int {
	c.startFailures++
	return c.startFailures
}

func (c *Controller) countRestart() {
	c.mu.Lock()
	c.restarts++
	n := c.restarts
	c.mu.Unlock()
	metrics.IncRestart(c.cfg.Name)
	c.log.Info("external process restarted", "restarts", n)
}

func (c *Controller) tooManyRestarts() {
	metrics.IncTooManyRestarts(c.cfg.Name)
	c.log.Error("too many restarts within window", "window", c.cfg.RestartWindow)
}

func (c *Controller) onTransition(from, to string, ev sm.Event) {
	c.mu.Lock()
	c.snap.State = to
	c.snap.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.log.Info("state transition", "from", from, "to", to, "event", EventName(ev.Index))
	metrics.RecordStateTransition(c.cfg.Name, from, to)
	if from != "" {
		metrics.SetCurrentState(c.cfg.Name, from, false)
	}
	metrics.SetCurrentState(c.cfg.Name, to, true)

	if c.history != nil {
		e := history.Event{
			Type:       history.EventTransition,
			OccurredAt: time.Now().UTC(),
			Record: history.Record{
				Source:  c.cfg.Name,
				State:   to,
				EventID: uint32(ev.Index),
				Detail:  from + " -> " + to + " on " + EventName(ev.Index),
			},
		}
		if err := c.history.Send(context.Background(), e); err != nil {
			c.log.Warn("history send failed", "error", err)
		}
	}
}
