package statemachine

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrUnknownState   = errors.New("unknown state")
	ErrDuplicateState = errors.New("state already registered")
	ErrNotStarted     = errors.New("machine not started")
)

// TransitionHook observes every completed state switch.
type TransitionHook func(from, to string, ev Event)

// Machine owns a set of states and the current one. Events are processed run-to-completion:
// anything posted while an event is being handled (typically a state dispatching an error
// event to itself) is queued and delivered, in order, once the current event is done.
//
// A Machine is not safe for concurrent use. One goroutine must own it.
type Machine struct {
	states     map[string]*State
	current    *State
	queue      []Event
	processing bool
	hook       TransitionHook
	log        *slog.Logger
}

func NewMachine(log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{states: make(map[string]*State), log: log}
}

// SetTransitionHook installs h; nil disables it.
func (m *Machine) SetTransitionHook(h TransitionHook) { m.hook = h }

// AddState registers s and wires its switch callback to this machine.
func (m *Machine) AddState(s *State) error {
	if _, ok := m.states[s.Name()]; ok {
		return fmt.Errorf("%s: %w", s.Name(), ErrDuplicateState)
	}
	m.states[s.Name()] = s
	s.SetSwitchFunc(m.switchTo)
	return nil
}

// State returns the registered state called name.
func (m *Machine) State(name string) (*State, bool) {
	s, ok := m.states[name]
	return s, ok
}

// Current returns the active state name, or "" before Start.
func (m *Machine) Current() string {
	if m.current == nil {
		return ""
	}
	return m.current.Name()
}

// Start makes initial the active state and runs its OnEntry with ev.
func (m *Machine) Start(initial string, ev Event) error {
	s, ok := m.states[initial]
	if !ok {
		return fmt.Errorf("%s: %w", initial, ErrUnknownState)
	}
	m.processing = true
	m.current = s
	if m.hook != nil {
		m.hook("", s.Name(), ev)
	}
	if !s.Behavior().OnEntry(ev) {
		m.log.Warn("OnEntry failed", "state", s.Name(), "event", ev.Index)
	}
	m.drain()
	return nil
}

// Dispatch delivers ev to the active state and then drains the queue. Called while another
// event is in progress it only enqueues.
func (m *Machine) Dispatch(ev Event) error {
	if m.current == nil {
		return ErrNotStarted
	}
	m.queue = append(m.queue, ev)
	if m.processing {
		return nil
	}
	m.processing = true
	m.drain()
	return nil
}

// Post queues ev for the active state. States use it to dispatch to themselves.
func (m *Machine) Post(ev Event) {
	m.queue = append(m.queue, ev)
}

func (m *Machine) drain() {
	defer func() { m.processing = false }()
	for len(m.queue) > 0 {
		ev := m.queue[0]
		m.queue = m.queue[1:]
		m.current.DispatchEvent(ev)
	}
}

func (m *Machine) switchTo(target string, ev Event) {
	next, ok := m.states[target]
	if !ok {
		m.log.Error("transition to unknown state ignored", "from", m.Current(), "target", target, "event", ev.Index)
		return
	}
	from := m.Current()
	m.current = next
	m.log.Debug("state switch", "from", from, "to", target, "event", ev.Index)
	if m.hook != nil {
		m.hook(from, target, ev)
	}
	if !next.Behavior().OnEntry(ev) {
		m.log.Warn("OnEntry failed", "state", target, "event", ev.Index)
	}
}
