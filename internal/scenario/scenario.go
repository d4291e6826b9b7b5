// Package scenario resolves (event, scenario) pairs to the error codes an operator sees.
//
// The table is loaded once from XML and read-only afterwards, so it is safe for concurrent
// lookups.
package scenario

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrParse               = errors.New("scenario file parse failed")
	ErrUnknownEvent        = errors.New("event not declared in eventlist")
	ErrUndeclaredScenario  = errors.New("scenario not declared in scenariolist")
	ErrInvalidRange        = errors.New("invalid scenario range")
	ErrInvalidScenarioType = errors.New("invalid scenario type")
	ErrDuplicateEvent      = errors.New("duplicate event")
	ErrDuplicateMapping    = errors.New("scenario mapped twice for event")
)

// AllKey is the key under which a type="all" scenario is stored.
const AllKey = "all"

type xmlRoot struct {
	XMLName       xml.Name         `xml:"eventscenarioerrormap"`
	Groups        []xmlGroup       `xml:"eventlist>group"`
	ScenarioList  xmlScenarioList  `xml:"scenariolist"`
	Corresponding []xmlCorresponds `xml:"correspondinglist>event"`
}

type xmlGroup struct {
	Name   string     `xml:"name,attr"`
	Events []xmlEvent `xml:"event"`
}

type xmlEvent struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

type xmlScenarioList struct {
	Prefix    string        `xml:"prefixId,attr"`
	Scenarios []xmlScenario `xml:"scenario"`
}

type xmlCorresponds struct {
	EventID string     `xml:"eventid,attr"`
	Errors  []xmlError `xml:"error"`
}

type xmlError struct {
	ErrorID   string        `xml:"errorid,attr"`
	Scenarios []xmlScenario `xml:"scenario"`
}

type xmlScenario struct {
	ID      string `xml:"id,attr"`
	Type    string `xml:"type,attr"`
	StartID string `xml:"startid,attr"`
	EndID   string `xml:"endid,attr"`
}

// Event is a declared event.
type Event struct {
	ID    uint32 `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group"`
}

// Table maps (eventID, scenario key) to an error code.
type Table struct {
	prefix    string
	events    map[uint32]Event
	declared  map[string]struct{}
	numbered  []uint64 // declared ids in canonical decimal form, ascending
	errorsFor map[uint32]map[string]uint32
}

// Load reads a scenario table from path.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse builds a table from r.
func Parse(r io.Reader) (*Table, error) {
	var root xmlRoot
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	t := &Table{
		prefix:    strings.TrimSpace(root.ScenarioList.Prefix),
		events:    make(map[uint32]Event),
		declared:  make(map[string]struct{}),
		errorsFor: make(map[uint32]map[string]uint32),
	}
	for _, g := range root.Groups {
		for _, e := range g.Events {
			id, err := parseID(e.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: event id %q", ErrParse, e.ID)
			}
			if _, dup := t.events[id]; dup {
				return nil, fmt.Errorf("event %d: %w", id, ErrDuplicateEvent)
			}
			t.events[id] = Event{ID: id, Name: e.Name, Group: g.Name}
		}
	}
	for _, s := range root.ScenarioList.Scenarios {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: scenario without id", ErrParse)
		}
		t.declared[t.prefix+id] = struct{}{}
		if n, err := strconv.ParseUint(id, 10, 32); err == nil && strconv.FormatUint(n, 10) == id {
			t.numbered = append(t.numbered, n)
		}
	}
	sort.Slice(t.numbered, func(i, j int) bool { return t.numbered[i] < t.numbered[j] })
	for _, c := range root.Corresponding {
		eventID, err := parseID(c.EventID)
		if err != nil {
			return nil, fmt.Errorf("%w: eventid %q", ErrParse, c.EventID)
		}
		if _, ok := t.events[eventID]; !ok {
			return nil, fmt.Errorf("event %d: %w", eventID, ErrUnknownEvent)
		}
		m := t.errorsFor[eventID]
		if m == nil {
			m = make(map[string]uint32)
			t.errorsFor[eventID] = m
		}
		for _, e := range c.Errors {
			code, err := parseID(e.ErrorID)
			if err != nil {
				return nil, fmt.Errorf("%w: errorid %q", ErrParse, e.ErrorID)
			}
			for _, s := range e.Scenarios {
				keys, err := t.expand(s)
				if err != nil {
					return nil, fmt.Errorf("event %d, error %d: %w", eventID, code, err)
				}
				for _, k := range keys {
					if _, dup := m[k]; dup {
						return nil, fmt.Errorf("event %d, scenario %s: %w", eventID, k, ErrDuplicateMapping)
					}
					m[k] = code
				}
			}
		}
	}
	return t, nil
}

// expand turns one scenario element into map keys. Range members missing from the
// scenariolist are skipped.
func (t *Table) expand(s xmlScenario) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "all":
		return []string{AllKey}, nil
	case "single", "":
		key := t.prefix + strings.TrimSpace(s.ID)
		if _, ok := t.declared[key]; !ok {
			return nil, fmt.Errorf("%s: %w", key, ErrUndeclaredScenario)
		}
		return []string{key}, nil
	case "range":
		start, err1 := strconv.ParseUint(strings.TrimSpace(s.StartID), 10, 32)
		end, err2 := strconv.ParseUint(strings.TrimSpace(s.EndID), 10, 32)
		if err1 != nil || err2 != nil || start > end {
			return nil, fmt.Errorf("%s..%s: %w", s.StartID, s.EndID, ErrInvalidRange)
		}
		// endid may be as large as 2^32-1, so only declared ids are visited
		var keys []string
		for _, n := range t.numbered {
			if n >= start && n <= end {
				keys = append(keys, t.prefix+strconv.FormatUint(n, 10))
			}
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("%q: %w", s.Type, ErrInvalidScenarioType)
	}
}

// GetErrorCode returns the error code for eventID in scenarioID, or 0 when there is none.
// scenarioID 0 selects the wildcard when "all" is the event's only mapping.
func (t *Table) GetErrorCode(eventID, scenarioID uint32) uint32 {
	m, ok := t.errorsFor[eventID]
	if !ok {
		return 0
	}
	if scenarioID == 0 && len(m) == 1 {
		if code, ok := m[AllKey]; ok {
			return code
		}
	}
	return m[t.prefix+strconv.FormatUint(uint64(scenarioID), 10)]
}

// Prefix returns the scenario id prefix.
func (t *Table) Prefix() string { return t.prefix }

// Event returns the declared event id.
func (t *Table) Event(id uint32) (Event, bool) {
	e, ok := t.events[id]
	return e, ok
}

// Events returns the declared events sorted by id.
func (t *Table) Events() []Event {
	out := make([]Event, 0, len(t.events))
	for _, e := range t.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mappings returns a copy of the scenario key -> error code map of eventID.
func (t *Table) Mappings(eventID uint32) map[string]uint32 {
	out := make(map[string]uint32, len(t.errorsFor[eventID]))
	for k, v := range t.errorsFor[eventID] {
		out[k] = v
	}
	return out
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	return uint32(v), err
}
