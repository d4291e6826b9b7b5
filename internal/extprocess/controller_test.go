package extprocess

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procguard/internal/history"
	sm "github.com/loykin/procguard/internal/statemachine"
)

type fakeDevice struct {
	startOK     bool
	starts      int
	guardStarts int
	guardStops  int
}

func (d *fakeDevice) StartDevice() bool { d.starts++; return d.startOK }
func (d *fakeDevice) StartLoginGuard()  { d.guardStarts++ }
func (d *fakeDevice) StopLoginGuard()   { d.guardStops++ }

type fakeProcess struct {
	startResults []bool // consumed per call; last value repeats
	commands     []string
	killOK       bool
	kills        int
	terminates   int
}

func (p *fakeProcess) StartProcess(cmd string) bool {
	p.commands = append(p.commands, cmd)
	if len(p.startResults) == 0 {
		return true
	}
	ok := p.startResults[0]
	if len(p.startResults) > 1 {
		p.startResults = p.startResults[1:]
	}
	return ok
}
func (p *fakeProcess) KillProcess() bool      { p.kills++; return p.killOK }
func (p *fakeProcess) TerminateProcess() bool { p.terminates++; return true }

type fakeTimer struct {
	active bool
	starts []time.Duration
	stops  int
}

func (t *fakeTimer) Start(d time.Duration) { t.active = true; t.starts = append(t.starts, d) }
func (t *fakeTimer) Stop()                 { t.active = false; t.stops++ }
func (t *fakeTimer) IsActive() bool        { return t.active }

// expire simulates the window elapsing.
func (t *fakeTimer) expire() { t.active = false }

type raised struct {
	eventID, scenarioID uint32
	source              string
}

type recordingRaiser struct{ got []raised }

func (r *recordingRaiser) RaiseEvent(_ context.Context, eventID, scenarioID uint32, source string) error {
	r.got = append(r.got, raised{eventID, scenarioID, source})
	return nil
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

type fixture struct {
	dev    *fakeDevice
	proc   *fakeProcess
	timer  *fakeTimer
	raiser *recordingRaiser
	sink   *memSink
	ctrl   *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dev:    &fakeDevice{startOK: true},
		proc:   &fakeProcess{killOK: true},
		timer:  &fakeTimer{},
		raiser: &recordingRaiser{},
		sink:   &memSink{},
	}
	cfg := Config{Name: "gui", Command: "gui --mode=x", RestartWindow: 2 * time.Second, FatalEventID: 500010001}
	c, err := NewController(cfg, f.dev, f.proc,
		WithWindowTimer(f.timer), WithRaiser(f.raiser), WithHistory(f.sink))
	require.NoError(t, err)
	f.ctrl = c
	return f
}

func (f *fixture) send(idx int) { f.ctrl.Dispatch(sm.Event{Index: idx}) }

func TestNewControllerRequiresCollaborators(t *testing.T) {
	_, err := NewController(Config{}, nil, &fakeProcess{})
	assert.ErrorIs(t, err, ErrNilCollaborator)
	_, err = NewController(Config{}, &fakeDevice{}, nil)
	assert.ErrorIs(t, err, ErrNilCollaborator)
}

func TestTransitionTableIsComplete(t *testing.T) {
	f := newFixture(t)
	for _, row := range transitionTable {
		s, ok := f.ctrl.machine.State(row.from)
		require.True(t, ok, row.from)
		got, ok := s.Transition(row.event)
		require.True(t, ok, "%s/%s", row.from, EventName(row.event))
		assert.Equal(t, row.to, got)
	}
	fatal, _ := f.ctrl.machine.State(StateFatalError)
	assert.Empty(t, fatal.Transitions(), "FatalError is terminal")
}

func TestInitialStartsDeviceProcessAndGuard(t *testing.T) {
	f := newFixture(t)
	f.send(EP_START)

	assert.Equal(t, StateInitial, f.ctrl.State())
	assert.Equal(t, 1, f.dev.starts)
	assert.Equal(t, []string{"gui --mode=x"}, f.proc.commands)
	assert.Equal(t, 1, f.dev.guardStarts)
}

func TestEventsBeforeStartAreDropped(t *testing.T) {
	f := newFixture(t)
	f.send(EP_EXTPROCESS_EXITED)
	assert.Equal(t, "", f.ctrl.State())
	assert.Empty(t, f.proc.commands)
}

func TestInitialDeviceFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.dev.startOK = false
	f.send(EP_START)

	assert.Equal(t, StateFatalError, f.ctrl.State())
	assert.Empty(t, f.proc.commands)
	require.Len(t, f.raiser.got, 1)
	assert.Equal(t, raised{500010001, EP_CANNOT_START_DEVICE, "gui"}, f.raiser.got[0])
}

func TestInitialProcessFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.proc.startResults = []bool{false, true}
	f.send(EP_START)

	assert.Equal(t, StateStartRetry, f.ctrl.State())
	assert.Len(t, f.proc.commands, 2)
	assert.Equal(t, 1, f.ctrl.Snapshot().Restarts)
	assert.Equal(t, 1, f.dev.guardStarts, "guard armed only by the successful retry")
}

func TestPersistentStartFailureGivesUp(t *testing.T) {
	f := newFixture(t)
	f.proc.startResults = []bool{false}
	f.send(EP_START)

	assert.Equal(t, StateFatalError, f.ctrl.State())
	// one launch from Initial plus DefaultMaxStartFailures retries
	assert.Len(t, f.proc.commands, 1+DefaultMaxStartFailures)
	require.Len(t, f.raiser.got, 1)
	assert.Equal(t, uint32(EP_TOO_MANY_RESTARTS), f.raiser.got[0].scenarioID)
}

func TestInitialLoginTimeoutKills(t *testing.T) {
	f := newFixture(t)
	f.send(EP_START)
	f.send(EP_EXTPROCESS_LOGIN_TIMEOUT)

	assert.Equal(t, 1, f.proc.kills)
	assert.Equal(t, StateInitial, f.ctrl.State(), "kill is fire-and-forget; exit arrives separately")

	f.send(EP_EXTPROCESS_EXITED)
	assert.Equal(t, StateStartRetry, f.ctrl.State())
	assert.Len(t, f.proc.commands, 2)
}

func TestInitialKillFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.proc.killOK = false
	f.send(EP_START)
	f.send(EP_EXTPROCESS_LOGIN_TIMEOUT)

	assert.Equal(t, StateFatalError, f.ctrl.State())
}

func TestSingleExitRestartsOnce(t *testing.T) {
	f := newFixture(t)
	f.send(EP_START)
	f.send(EP_EXTPROCESS_EXITED)

	assert.Equal(t, StateStartRetry, f.ctrl.State())
	assert.Len(t, f.proc.commands, 2, "exactly one retry")
	assert.Equal(t, 2, f.dev.guardStarts, "login guard restarted")
	assert.True(t, f.timer.active)
	assert.Equal(t, []time.Duration{2 * time.Second}, f.timer.starts)
	assert.Empty(t, f.raiser.got, "no fatal event")
}

func TestSecondExitWithinWindowIsTooManyRestarts(t *testing.T) {
	f := newFixture(t)
	f.send(EP_START)
	f.send(EP_EXTPROCESS_EXITED)
	require.Len(t, f.proc.commands, 2)

	f.send(EP_EXTPROCESS_EXITED)

	assert.Equal(t, StateFatalError, f.ctrl.State())
	assert.Len(t, f.proc.commands, 2, "no further StartProcess")
	require.Len(t, f.raiser.got, 1)
	assert.Equal(t, uint32(EP_TOO_MANY_RESTARTS), f.raiser.got[0].scenarioID)
	assert.False(t, f.timer.active, "FatalError stops the window")
}

func TestReentryWhileWindowActiveIsTooManyRestarts(t *testing.T) {
	f := newFixture(t)
	f.send(EP_START)
	f.send(EP_EXTPROCESS_EXITED)
	f.send(EP_EXTPROCESS_LOGGED_IN)
	require.Equal(t, StateWorking, f.ctrl.State())
	require.True(t, f.timer.active)

	f.send(EP_EXTPROCESS_EXITED)

	assert.Equal(t, StateFatalError, f.ctrl.State())
	assert.Len(t, f.proc.commands, 2)
}

func TestExitAfterWindowElapsedRestartsAgain(t *testing.T) {
	f := newFixture(t)
	f.send(EP_START)
	f.send(EP_EXTPROCESS_EXITED)
	f.send(EP_EXTPROCESS_LOGGED_IN)
	f.timer.expire()

	f.send(EP_EXTPROCESS_EXITED)

	assert.Equal(t, StateStartRetry, f.ctrl.State())
	assert.Len(t, f.proc.commands, 3)
	assert.Equal(t, 2, f.ctrl.Snapshot().Restarts)
}

func TestStartRetryExitStopsLoginGuard(t *testing.T) {
	for _, ev := range []int{EP_EXTPROCESS_LOGGED_IN, EP_TOO_MANY_RESTARTS, EP_CANNOT_KILL_EXTPROCESS, EP_NULL_CTRL_POINTER} {
		t.Run(EventName(ev), func(t *testing.T) {
			f := newFixture(t)
			f.send(EP_START)
			f.send(EP_EXTPROCESS_EXITED)
			before := f.dev.guardStops

			s, _ := f.ctrl.machine.State(StateStartRetry)
			assert.True(t, s.Behavior().OnExit(sm.Event{Index: ev}))
			assert.Equal(t, before+1, f.dev.guardStops)
		})
	}
}

func TestStartRetryOnExitWithoutController(t *testing.T) {
	s := &startRetry{}
	assert.NotPanics(t, func() { assert.False(t, s.OnExit(sm.Event{})) })
}

func TestUnwiredStatesRejectEvents(t *testing.T) {
	behaviors := map[string]sm.Behavior{
		StateInitial:    &initial{},
		StateStartRetry: &startRetry{},
		StateWorking:    &working{},
		StateFatalError: &fatalError{},
	}
	for name, b := range behaviors {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, b.OnEntry(sm.Event{Index: EP_EXTPROCESS_EXITED}))
				assert.False(t, b.HandleEvent(sm.Event{Index: EP_EXTPROCESS_LOGIN_TIMEOUT}))
				assert.False(t, b.OnExit(sm.Event{}))
			})
		})
	}
}

func TestNilControllerPostsNullPointerEvent(t *testing.T) {
	var posted []int
	b := stateBase{post: func(ev sm.Event) { posted = append(posted, ev.Index) }}
	s := &initial{b}

	assert.False(t, s.OnEntry(sm.Event{}))
	assert.False(t, s.HandleEvent(sm.Event{Index: EP_EXTPROCESS_LOGIN_TIMEOUT}))
	assert.Equal(t, []int{EP_NULL_CTRL_POINTER, EP_NULL_CTRL_POINTER}, posted)
}

func TestStartRetryLoginTimeoutKillFailure(t *testing.T) {
	f := newFixture(t)
	f.send(EP_START)
	f.send(EP_EXTPROCESS_EXITED)
	f.proc.killOK = false

	f.send(EP_EXTPROCESS_LOGIN_TIMEOUT)

	assert.Equal(t, StateFatalError, f.ctrl.State())
	assert.GreaterOrEqual(t, f.timer.stops, 1)
}

func TestFatalErrorIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.dev.startOK = false
	f.send(EP_START)
	require.Equal(t, StateFatalError, f.ctrl.State())

	for _, ev := range []int{EP_EXTPROCESS_EXITED, EP_EXTPROCESS_LOGGED_IN, EP_START, EP_TOO_MANY_RESTARTS} {
		f.send(ev)
		assert.Equal(t, StateFatalError, f.ctrl.State())
	}
	assert.Empty(t, f.proc.commands)
	assert.Len(t, f.raiser.got, 1)
}

func TestNullCollaboratorRoutesToFatal(t *testing.T) {
	f := newFixture(t)
	f.send(EP_START)
	f.ctrl.process = nil

	f.send(EP_EXTPROCESS_LOGIN_TIMEOUT)
	assert.Equal(t, StateFatalError, f.ctrl.State())
	require.Len(t, f.raiser.got, 1)
	assert.Equal(t, uint32(EP_NULL_CTRL_POINTER), f.raiser.got[0].scenarioID)
}

func TestTransitionsAreRecorded(t *testing.T) {
	f := newFixture(t)
	f.send(EP_START)
	f.send(EP_EXTPROCESS_EXITED)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.events, 2)
	assert.Equal(t, history.EventTransition, f.sink.events[0].Type)
	assert.Equal(t, StateInitial, f.sink.events[0].Record.State)
	assert.Equal(t, StateStartRetry, f.sink.events[1].Record.State)
	assert.Equal(t, uint32(EP_EXTPROCESS_EXITED), f.sink.events[1].Record.EventID)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	f.send(EP_START)
	f.send(EP_EXTPROCESS_EXITED)

	s := f.ctrl.Snapshot()
	assert.Equal(t, "gui", s.Name)
	assert.Equal(t, StateStartRetry, s.State)
	assert.Equal(t, "gui --mode=x", s.Command)
	assert.Equal(t, 1, s.Restarts)
	assert.Equal(t, "EP_EXTPROCESS_EXITED", s.LastEvent)
	assert.True(t, s.WindowActive)
}

func TestRunProcessesSubmittedEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.Run(ctx) }()

	require.NoError(t, f.ctrl.Start())
	require.Eventually(t, func() bool { return f.ctrl.State() == StateInitial }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.ctrl.Submit(sm.Event{Index: EP_EXTPROCESS_LOGGED_IN}))
	require.Eventually(t, func() bool { return f.ctrl.State() == StateWorking }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.ErrorIs(t, f.ctrl.Submit(sm.Event{Index: EP_EXTPROCESS_EXITED}), ErrStopped)
	assert.Error(t, f.ctrl.Run(context.Background()), "second Run is rejected")

	f.ctrl.Stop()
	assert.Equal(t, 1, f.proc.terminates)
}

func TestOneShot(t *testing.T) {
	fired := make(chan struct{}, 2)
	o := NewOneShot(func() { fired <- struct{}{} })
	assert.False(t, o.IsActive())

	o.Start(20 * time.Millisecond)
	assert.True(t, o.IsActive())
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, o.IsActive())

	o.Start(20 * time.Millisecond)
	o.Stop()
	assert.False(t, o.IsActive())
	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}
