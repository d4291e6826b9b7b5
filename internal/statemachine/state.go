package statemachine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrDuplicateTransition  = errors.New("transition already registered for event index")
	ErrTransitionNotStored  = errors.New("transition not stored after insert")
	ErrTransitionNotRemoved = errors.New("transition still present after removal")
	ErrNilBehavior          = errors.New("state behavior is nil")
)

// Event is the unit delivered to a state. Data is a non-owning reference that the
// receiver must treat as read-only.
type Event struct {
	Index int
	Data  any
}

// Behavior is implemented by concrete states.
type Behavior interface {
	OnEntry(ev Event) bool
	OnExit(ev Event) bool
	HandleEvent(ev Event) bool
}

// SwitchFunc is invoked when a dispatched event triggers a transition.
type SwitchFunc func(target string, ev Event)

// State pairs a Behavior with its event-index -> target-state table.
type State struct {
	name        string
	behavior    Behavior
	mu          sync.Mutex
	transitions map[int]string
	onSwitch    SwitchFunc
	log         *slog.Logger
}

// NewState creates a state named name. The name must be unique within a Machine.
func NewState(name string, b Behavior, log *slog.Logger) (*State, error) {
	if b == nil {
		return nil, fmt.Errorf("state %s: %w", name, ErrNilBehavior)
	}
	if log == nil {
		log = slog.Default()
	}
	return &State{
		name:        name,
		behavior:    b,
		transitions: make(map[int]string),
		log:         log.With("state", name),
	}, nil
}

func (s *State) Name() string { return s.name }

func (s *State) Behavior() Behavior { return s.behavior }

// SetSwitchFunc installs the callback that performs the actual state swap.
func (s *State) SetSwitchFunc(f SwitchFunc) {
	s.mu.Lock()
	s.onSwitch = f
	s.mu.Unlock()
}

// AddTransition registers target for index. An index may map to one target only;
// a second registration fails and leaves the existing entry untouched.
func (s *State) AddTransition(target string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.transitions[index]; ok {
		return fmt.Errorf("state %s, index %d -> %s (have %s): %w", s.name, index, target, existing, ErrDuplicateTransition)
	}
	s.transitions[index] = target
	if got, ok := s.transitions[index]; !ok || got != target {
		return fmt.Errorf("state %s, index %d: %w", s.name, index, ErrTransitionNotStored)
	}
	return nil
}

// RemoveTransition deletes the entry for index. Removing an absent index is a no-op.
func (s *State) RemoveTransition(target string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transitions[index]; !ok {
		return nil
	}
	delete(s.transitions, index)
	if _, ok := s.transitions[index]; ok {
		return fmt.Errorf("state %s, index %d -> %s: %w", s.name, index, target, ErrTransitionNotRemoved)
	}
	return nil
}

// RemoveAllTransitions deletes every entry whose target is target.
func (s *State) RemoveAllTransitions(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, t := range s.transitions {
		if t == target {
			delete(s.transitions, idx)
		}
	}
	for idx, t := range s.transitions {
		if t == target {
			return fmt.Errorf("state %s, index %d -> %s: %w", s.name, idx, target, ErrTransitionNotRemoved)
		}
	}
	return nil
}

// Transition returns the target registered for index.
func (s *State) Transition(index int) (string, bool) {
	s.mu.Lock()
	t, ok := s.transitions[index]
	s.mu.Unlock()
	return t, ok
}

// Transitions returns a copy of the transition table.
func (s *State) Transitions() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.transitions))
	for k, v := range s.transitions {
		out[k] = v
	}
	return out
}

// DispatchEvent routes ev. A registered index leaves this state: OnExit runs, then the
// switch callback is told the target. Any other index goes to HandleEvent.
//
// A failing OnExit is logged and the transition still happens.
func (s *State) DispatchEvent(ev Event) bool {
	target, ok := s.Transition(ev.Index)
	if !ok {
		return s.behavior.HandleEvent(ev)
	}
	if !s.behavior.OnExit(ev) {
		s.log.Error("OnExit failed, transition proceeds", "event", ev.Index, "target", target)
	}
	s.mu.Lock()
	sw := s.onSwitch
	s.mu.Unlock()
	if sw != nil {
		sw(target, ev)
	}
	return true
}
