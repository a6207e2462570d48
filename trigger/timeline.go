package trigger

import (
	"sync"
	"time"
)

// States recorded on the timeline
const (
	Idle     = "Idle"
	Loaded   = "Loaded"
	Armed    = "Armed"
	Fired    = "Fired"
	Draining = "Draining"
	GateOpen = "GateOpen"
)

// Event is one state transition of one source
type Event struct {
	Source string    `json:"source"`
	State  string    `json:"state"`
	At     time.Time `json:"at"`
}

// Observer is notified of state transitions.  Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// Observe calls f(e)
func (f ObserverFunc) Observe(e Event) { f(e) }

// Notify sends e, stamped with the current time if it has none, to every observer
func Notify(observers []Observer, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, o := range observers {
		o.Observe(e)
	}
}

// Timeline records events in the order they were observed.
// it is concurrent safe.
type Timeline struct {
	mu     sync.Mutex
	events []Event
}

// Observe appends e to the timeline
func (t *Timeline) Observe(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

// Events returns a copy of the recorded events
func (t *Timeline) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event{}, t.events...)
}

// Reset empties the timeline
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// LastIndex is the position of the last event in state, or -1
func (t *Timeline) LastIndex(state string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].State == state {
			return i
		}
	}
	return -1
}

// FirstIndex is the position of the first event in state, or -1
func (t *Timeline) FirstIndex(state string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.events {
		if e.State == state {
			return i
		}
	}
	return -1
}

// States returns the sequence of states recorded for one source
func (t *Timeline) States(source string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, e := range t.events {
		if e.Source == source {
			out = append(out, e.State)
		}
	}
	return out
}
