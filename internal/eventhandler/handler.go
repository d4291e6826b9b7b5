package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/loykin/procguard/internal/history"
	"github.com/loykin/procguard/internal/metrics"
)

// ErrorCoder resolves an event and scenario to the error code that is reported.
type ErrorCoder interface {
	GetErrorCode(eventID, scenarioID uint32) uint32
}

// Notifier shows a tracked event to an operator and returns the reference the OK/NOK
// acknowledgement will carry.
type Notifier interface {
	Notify(ctx context.Context, info RuntimeInfo) (ref string, err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, info RuntimeInfo) (string, error)

func (f NotifierFunc) Notify(ctx context.Context, info RuntimeInfo) (string, error) {
	return f(ctx, info)
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.log = l } }

// WithErrorCoder sets the scenario table used to resolve error codes.
func WithErrorCoder(c ErrorCoder) Option { return func(h *Handler) { h.coder = c } }

func WithNotifier(n Notifier) Option { return func(h *Handler) { h.notifier = n } }

func WithHistory(s history.Sink) Option { return func(h *Handler) { h.history = s } }

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

// Handler is the process-wide event bus. Producers raise events without knowing whether
// an operator has to acknowledge them; the definitions decide that. All tracking state is
// owned by the loop goroutine started by Init.
type Handler struct {
	defs     map[uint32]Definition
	coder    ErrorCoder
	notifier Notifier
	history  history.Sink
	log      *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	cmds chan func()
	stop chan struct{}
	done chan struct{}

	// owned by the loop goroutine
	active  map[uint64]*entry
	refs    map[string]uint64
	nextKey uint64
	nextRef uint64
}

type entry struct {
	info RuntimeInfo
	def  Definition
	fsm  *fsm.FSM
}

func NewHandler(defs []Definition, opts ...Option) (*Handler, error) {
	h := &Handler{
		defs:   make(map[uint32]Definition, len(defs)),
		log:    slog.Default(),
		now:    time.Now,
		active: make(map[uint64]*entry),
		refs:   make(map[string]uint64),
	}
	for _, d := range defs {
		if _, dup := h.defs[d.ID]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateEvent, d.ID)
		}
		if d.AckRequired && len(d.Steps) == 0 {
			d.Steps = []Step{{ID: 1}}
		}
		h.defs[d.ID] = d
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With("component", "eventhandler")
	if h.notifier == nil {
		h.notifier = NotifierFunc(h.mintRef)
	}
	return h, nil
}

// Init starts the bus loop. Calling it on a running bus is a no-op.
func (h *Handler) Init() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmds != nil {
		return
	}
	h.cmds = make(chan func(), 16)
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.loop(h.cmds, h.stop, h.done)
	h.log.Info("event bus started", "definitions", len(h.defs))
}

// Shutdown stops the loop and waits for it. Active events are kept for a later Init.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	if h.cmds == nil {
		h.mu.Unlock()
		return
	}
	stop, done := h.stop, h.done
	h.cmds = nil
	h.mu.Unlock()

	close(stop)
	<-done
	h.log.Info("event bus stopped")
}

func (h *Handler) loop(cmds <-chan func(), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case fn := <-cmds:
			fn()
		case <-stop:
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it, for the loop to stop or for ctx.
func (h *Handler) do(ctx context.Context, fn func()) error {
	h.mu.RLock()
	cmds, done := h.cmds, h.done
	h.mu.RUnlock()
	if cmds == nil {
		return ErrNotRunning
	}
	select {
	case <-done:
		return ErrNotRunning
	default:
	}
	reply := make(chan struct{})
	select {
	case cmds <- func() { fn(); close(reply) }:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	// a queued command is dropped when the loop stops before reaching it
	select {
	case <-reply:
		return nil
	case <-done:
		select {
		case <-reply:
			return nil
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Definitions returns the configured event definitions ordered by id.
func (h *Handler) Definitions() []Definition {
	out := make([]Definition, 0, len(h.defs))
	for _, d := range h.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RaiseEvent reports an event. When its definition requires acknowledgement a new event key
// is minted and returned; otherwise the key is 0.
func (h *Handler) RaiseEvent(ctx context.Context, r Raise) (uint64, error) {
	var (
		key uint64
		err error
	)
	if derr := h.do(ctx, func() { key, err = h.raise(ctx, r) }); derr != nil {
		return 0, derr
	}
	return key, err
}

func (h *Handler) raise(ctx context.Context, r Raise) (uint64, error) {
	var code uint32
	if h.coder != nil {
		code = h.coder.GetErrorCode(r.EventID, r.ScenarioID)
	}
	def, known := h.defs[r.EventID]
	metrics.IncEventRaised(r.EventID)
	log := h.log.With("event_id", r.EventID, "scenario_id", r.ScenarioID, "error_code", code, "source", r.Source)
	if !known {
		log.Warn("raised event has no definition")
	}

	info := RuntimeInfo{
		EventID:    r.EventID,
		Name:       def.Name,
		ErrorCode:  code,
		ScenarioID: r.ScenarioID,
		Source:     r.Source,
		Args:       r.Args,
		Status:     StatusRaised,
		RaisedAt:   h.now(),
	}
	if !def.AckRequired {
		log.Info("event raised")
		h.record(ctx, history.EventRaised, info, strings.Join(r.Args, " "))
		return 0, nil
	}

	h.nextKey++
	info.EventKey = h.nextKey
	info.CurrentStep = def.Steps[0].ID
	e := &entry{info: info, def: def}
	e.fsm = newLifecycle(e)
	h.active[info.EventKey] = e
	metrics.SetEventsActive(len(h.active))

	log.Info("event raised", "event_key", info.EventKey)
	h.record(ctx, history.EventRaised, e.info, strings.Join(r.Args, " "))
	h.notify(ctx, e)
	return info.EventKey, nil
}

// OnAcknowledge applies an operator acknowledgement to the event with the given key.
func (h *Handler) OnAcknowledge(ctx context.Context, key uint64, ack Ack) error {
	if _, err := ParseAckType(string(ack.Type)); err != nil {
		return err
	}
	var err error
	if derr := h.do(ctx, func() { err = h.acknowledge(ctx, key, ack.Type) }); derr != nil {
		return derr
	}
	return err
}

func (h *Handler) acknowledge(ctx context.Context, key uint64, t AckType) error {
	e, ok := h.active[key]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEventKey, key)
	}
	metrics.IncEventAcknowledged(string(t))
	e.info.AckType = t
	log := h.log.With("event_key", key, "event_id", e.info.EventID, "ack", t)

	switch t {
	case AckCancel:
		log.Info("event cancelled")
		h.resolve(ctx, e, "cancelled")
		return nil
	case AckProxy:
		h.fire(ctx, e, "acknowledge")
		log.Debug("proxy acknowledgement", "step", e.info.CurrentStep)
		h.record(ctx, history.EventAcknowledged, e.info, "proxy")
		return nil
	}

	h.fire(ctx, e, "acknowledge")
	h.record(ctx, history.EventAcknowledged, e.info, string(t))
	step, _ := e.def.step(e.info.CurrentStep)
	next := step.NextOK
	if t == AckNOK {
		next = step.NextNOK
	}
	if next == 0 {
		log.Info("event resolved")
		h.resolve(ctx, e, string(t))
		return nil
	}
	log.Info("event advanced", "from_step", e.info.CurrentStep, "to_step", next)
	e.info.CurrentStep = next
	h.fire(ctx, e, "next_step")
	h.notify(ctx, e)
	return nil
}

// OnAckOKNOK handles the OK/NOK answer to a notification reference. OK marks the event as
// displayed; NOK notifies again under a new reference. The reference is consumed either way.
func (h *Handler) OnAckOKNOK(ctx context.Context, ref string, ok bool) error {
	var err error
	if derr := h.do(ctx, func() { err = h.ackRef(ctx, ref, ok) }); derr != nil {
		return derr
	}
	return err
}

func (h *Handler) ackRef(ctx context.Context, ref string, ok bool) error {
	key, found := h.refs[ref]
	if !found {
		return fmt.Errorf("%w: %q", ErrUnknownRef, ref)
	}
	delete(h.refs, ref)
	e, found := h.active[key]
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownEventKey, key)
	}
	e.info.Ref = ""
	if ok {
		h.fire(ctx, e, "display")
		return nil
	}
	h.log.Warn("notification rejected, notifying again", "event_key", key, "ref", ref)
	h.notify(ctx, e)
	return nil
}

// Active returns the tracked events ordered by key.
func (h *Handler) Active(ctx context.Context) ([]RuntimeInfo, error) {
	var out []RuntimeInfo
	if err := h.do(ctx, func() {
		out = make([]RuntimeInfo, 0, len(h.active))
		for _, e := range h.active {
			out = append(out, e.info)
		}
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventKey < out[j].EventKey })
	return out, nil
}

func (h *Handler) Get(ctx context.Context, key uint64) (RuntimeInfo, error) {
	var (
		info  RuntimeInfo
		found bool
	)
	if err := h.do(ctx, func() {
		if e, ok := h.active[key]; ok {
			info, found = e.info, true
		}
	}); err != nil {
		return RuntimeInfo{}, err
	}
	if !found {
		return RuntimeInfo{}, fmt.Errorf("%w: %d", ErrUnknownEventKey, key)
	}
	return info, nil
}

func (h *Handler) resolve(ctx context.Context, e *entry, detail string) {
	h.fire(ctx, e, "resolve")
	if e.info.Ref != "" {
		delete(h.refs, e.info.Ref)
		e.info.Ref = ""
	}
	delete(h.active, e.info.EventKey)
	metrics.SetEventsActive(len(h.active))
	h.record(ctx, history.EventResolved, e.info, detail)
}

func (h *Handler) notify(ctx context.Context, e *entry) {
	if e.info.Ref != "" {
		delete(h.refs, e.info.Ref)
		e.info.Ref = ""
	}
	ref, err := h.notifier.Notify(ctx, e.info)
	if err != nil {
		h.log.Error("notify failed", "event_key", e.info.EventKey, "error", err)
		return
	}
	if ref == "" {
		return
	}
	e.info.Ref = ref
	h.refs[ref] = e.info.EventKey
}

func (h *Handler) mintRef(context.Context, RuntimeInfo) (string, error) {
	h.nextRef++
	return "ref-" + strconv.FormatUint(h.nextRef, 10), nil
}

// fire moves the event lifecycle. Staying in the same state is not an error.
func (h *Handler) fire(ctx context.Context, e *entry, event string) {
	err := e.fsm.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if err == nil || errors.As(err, &noTransition) {
		return
	}
	h.log.Debug("lifecycle event ignored", "event_key", e.info.EventKey, "event", event, "status", e.info.Status, "error", err)
}

func (h *Handler) record(ctx context.Context, typ history.EventType, info RuntimeInfo, detail string) {
	if h.history == nil {
		return
	}
	ev := history.Event{
		Type:       typ,
		OccurredAt: h.now().UTC(),
		Record: history.Record{
			Source:     info.Source,
			State:      info.Status,
			EventID:    info.EventID,
			EventKey:   info.EventKey,
			ErrorCode:  info.ErrorCode,
			ScenarioID: info.ScenarioID,
			Detail:     detail,
		},
	}
	if err := h.history.Send(ctx, ev); err != nil {
		h.log.Warn("history send failed", "error", err)
	}
}

func newLifecycle(e *entry) *fsm.FSM {
	return fsm.NewFSM(
		StatusRaised,
		fsm.Events{
			{Name: "display", Src: []string{StatusRaised}, Dst: StatusDisplayed},
			{Name: "acknowledge", Src: []string{StatusRaised, StatusDisplayed, StatusAcknowledged}, Dst: StatusAcknowledged},
			{Name: "next_step", Src: []string{StatusAcknowledged}, Dst: StatusRaised},
			{Name: "resolve", Src: []string{StatusRaised, StatusDisplayed, StatusAcknowledged}, Dst: StatusResolved},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.info.Status = ev.Dst
			},
		},
	)
}
