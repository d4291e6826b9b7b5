package extprocess

import (
	"context"
	"time"

	sm "github.com/loykin/procguard/internal/statemachine"
)

// stateBase carries what every state needs: the controller it drives and a way to dispatch
// events to itself.
type stateBase struct {
	ctrl *Controller
	post func(ev sm.Event)
}

// valid reports whether the controller and its collaborators are usable. When they are not,
// EP_NULL_CTRL_POINTER is dispatched if the state is wired to a machine.
func (b *stateBase) valid() bool {
	if b.ctrl != nil && b.ctrl.device != nil && b.ctrl.process != nil && b.ctrl.window != nil {
		return true
	}
	if b.post != nil {
		b.post(sm.Event{Index: EP_NULL_CTRL_POINTER})
	}
	return false
}

// initial starts the device and the process.
type initial struct{ stateBase }

func (s *initial) OnEntry(sm.Event) bool {
	if !s.valid() {
		return false
	}
	c := s.ctrl
	if !c.device.StartDevice() {
		c.log.Error("cannot start device")
		s.post(sm.Event{Index: EP_CANNOT_START_DEVICE})
		return false
	}
	if !c.startProcess() {
		s.post(sm.Event{Index: EP_CANNOT_START_EXTPROCESS})
		return false
	}
	c.device.StartLoginGuard()
	return true
}

func (s *initial) OnExit(sm.Event) bool { return s.ctrl != nil }

func (s *initial) HandleEvent(ev sm.Event) bool {
	if !s.valid() {
		return false
	}
	switch ev.Index {
	case EP_EXTPROCESS_LOGIN_TIMEOUT:
		s.ctrl.log.Warn("login timed out, killing process")
		if !s.ctrl.process.KillProcess() {
			s.post(sm.Event{Index: EP_CANNOT_KILL_EXTPROCESS})
			return false
		}
		return true
	default:
		s.ctrl.log.Debug("event ignored", "state", StateInitial, "event", EventName(ev.Index))
		return false
	}
}

// startRetry restarts the process at most once per restart window. A second exit while the
// window timer is still running escalates to EP_TOO_MANY_RESTARTS.
type startRetry struct{ stateBase }

func (s *startRetry) OnEntry(ev sm.Event) bool {
	if !s.valid() {
		return false
	}
	c := s.ctrl
	c.device.StopLoginGuard()
	if c.window.IsActive() {
		c.tooManyRestarts()
		s.post(sm.Event{Index: EP_TOO_MANY_RESTARTS})
		return false
	}
	return s.HandleEvent(ev)
}

func (s *startRetry) OnExit(sm.Event) bool {
	if s.ctrl == nil || s.ctrl.device == nil {
		return false
	}
	s.ctrl.device.StopLoginGuard()
	return true
}

func (s *startRetry) HandleEvent(ev sm.Event) bool {
	if !s.valid() {
		return false
	}
	c := s.ctrl
	switch ev.Index {
	case EP_EXTPROCESS_LOGIN_TIMEOUT:
		c.log.Warn("login timed out after restart, killing process")
		if !c.process.KillProcess() {
			c.window.Stop()
			s.post(sm.Event{Index: EP_CANNOT_KILL_EXTPROCESS})
			return false
		}
		return true
	case EP_EXTPROCESS_EXITED:
		if c.window.IsActive() {
			c.tooManyRestarts()
			s.post(sm.Event{Index: EP_TOO_MANY_RESTARTS})
			return false
		}
		s.armRestartWindow()
		return s.attemptStart()
	case EP_CANNOT_START_EXTPROCESS:
		return s.attemptStart()
	default:
		c.log.Debug("event ignored", "state", StateStartRetry, "event", EventName(ev.Index))
		return false
	}
}

func (s *startRetry) armRestartWindow() {
	s.ctrl.window.Start(s.ctrl.cfg.RestartWindow)
}

func (s *startRetry) attemptStart() bool {
	c := s.ctrl
	if !c.startProcess() {
		c.window.Stop()
		if c.startFailed() >= c.cfg.MaxStartFailures {
			c.tooManyRestarts()
			s.post(sm.Event{Index: EP_TOO_MANY_RESTARTS})
			return false
		}
		s.post(sm.Event{Index: EP_CANNOT_START_EXTPROCESS})
		return false
	}
	c.startFailures = 0
	c.countRestart()
	c.device.StartLoginGuard()
	return true
}

// working is the steady state after the process logged in.
type working struct{ stateBase }

func (s *working) OnEntry(sm.Event) bool {
	if !s.valid() {
		return false
	}
	s.ctrl.log.Info("external process logged in")
	return true
}

func (s *working) OnExit(sm.Event) bool { return s.ctrl != nil }

func (s *working) HandleEvent(ev sm.Event) bool {
	if s.ctrl != nil {
		s.ctrl.log.Debug("event ignored", "state", StateWorking, "event", EventName(ev.Index))
	}
	return false
}

// fatalError is terminal. Entering it shuts everything down and raises the fatal event.
type fatalError struct{ stateBase }

const raiseTimeout = 2 * time.Second

func (s *fatalError) OnEntry(ev sm.Event) bool {
	c := s.ctrl
	if c == nil {
		return false
	}
	c.log.Error("fatal error, supervision stopped", "cause", EventName(ev.Index))
	if c.device != nil {
		c.device.StopLoginGuard()
	}
	if c.window != nil {
		c.window.Stop()
	}
	if c.process != nil && !c.process.KillProcess() {
		c.log.Error("cannot kill process in fatal state")
	}
	if c.raiser != nil && c.cfg.FatalEventID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), raiseTimeout)
		defer cancel()
		if err := c.raiser.RaiseEvent(ctx, c.cfg.FatalEventID, uint32(ev.Index), c.cfg.Name); err != nil {
			c.log.Error("raise fatal event failed", "event_id", c.cfg.FatalEventID, "error", err)
		}
	}
	return true
}

func (s *fatalError) OnExit(sm.Event) bool { return false }

func (s *fatalError) HandleEvent(ev sm.Event) bool {
	if s.ctrl != nil {
		s.ctrl.log.Warn("event dropped in fatal state", "event", EventName(ev.Index))
	}
	return false
}
