// Package timeline records the events of one test run on a zero-based
// relative clock.
//
// Absolute timestamps are useless for comparing runs against each other;
// relative offsets from the run's start instant make timing regressions in
// the exercised UI visible across cycles. Consumers must treat the stream as
// ordered by observation: an async console message may be recorded after the
// action that triggered it returned.
package timeline

import (
	"errors"
	"sync"
	"time"
)

// ErrUninitializedTimeline is returned by Record when the timeline was never
// started. This is an ordering bug in the caller, not a runtime condition.
var ErrUninitializedTimeline = errors.New("timeline: record called before start")

// EventKind classifies a timeline event.
type EventKind string

const (
	KindAction     EventKind = "action"
	KindConsole    EventKind = "console"
	KindNetwork    EventKind = "network"
	KindNavigation EventKind = "navigation"
)

// Event is a single observation with a kind-specific payload and its offset
// from the run's zero instant.
type Event struct {
	Kind    EventKind         `json:"kind"`
	Time    time.Duration     `json:"time"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Timeline accumulates events for exactly one run. Record is safe to call
// from the driver's callback goroutines while the main flow records action
// events.
type Timeline struct {
	mu      sync.Mutex
	zero    time.Time
	started bool
	events  []Event

	// now is swappable for tests.
	now func() time.Time
}

// New returns an unstarted timeline.
func New() *Timeline {
	return &Timeline{now: time.Now}
}

// Start arms the timeline and resets the zero instant. Any previously
// recorded events are discarded; a timeline belongs to exactly one run.
func (t *Timeline) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.started = true
	t.zero = time.Time{}
	t.events = nil
}

// Record appends an event at the current relative offset. The clock is
// anchored to the first observation, so the first recorded event always has
// offset zero. Offsets are clamped to be monotonically non-decreasing.
func (t *Timeline) Record(kind EventKind, payload map[string]string) (Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return Event{}, ErrUninitializedTimeline
	}

	now := t.now()
	if t.zero.IsZero() {
		t.zero = now
	}

	offset := now.Sub(t.zero)
	if n := len(t.events); n > 0 && offset < t.events[n-1].Time {
		offset = t.events[n-1].Time
	}

	ev := Event{Kind: kind, Time: offset, Payload: payload}
	t.events = append(t.events, ev)
	return ev, nil
}

// Events returns a copy of the recorded stream in observation order.
func (t *Timeline) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the number of recorded events.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Duration returns the offset of the last recorded event.
func (t *Timeline) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.events) == 0 {
		return 0
	}
	return t.events[len(t.events)-1].Time
}
