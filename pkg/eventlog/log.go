package eventlog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a6ar55/file-sync/pkg/clock"
)

// DefaultCapacity bounds retained history when no capacity is given.
const DefaultCapacity = 1000

// Log is an append-only, bounded event history with live fan-out.
// Appends are totally ordered by Seq; readers can additionally request
// a causal ordering derived from the events' vector clocks.
type Log struct {
	mu      sync.RWMutex
	events  []Event
	nextSeq uint64
	cap     int
	bus     *Bus
}

// NewLog creates a log retaining at most capacity events, with a bus
// buffering busBuffer events per subscriber.
func NewLog(capacity, busBuffer int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		cap: capacity,
		bus: NewBus(busBuffer),
	}
}

// Append records an event and publishes it to subscribers. The vector
// clock is copied, so callers may keep mutating theirs.
func (l *Log) Append(t Type, vc clock.VectorClock, payload any) Event {
	l.mu.Lock()
	l.nextSeq++
	ev := Event{
		ID:        uuid.NewString(),
		Seq:       l.nextSeq,
		Type:      t,
		Timestamp: time.Now().UTC(),
		VC:        vc.Copy(),
		Payload:   payload,
	}
	l.events = append(l.events, ev)
	if len(l.events) > l.cap {
		// Drop the oldest; shift rather than reslice to let the
		// backing array be reclaimed.
		copy(l.events, l.events[len(l.events)-l.cap:])
		l.events = l.events[:l.cap]
	}
	l.mu.Unlock()

	l.bus.Publish(ev)
	return ev
}

// Recent returns up to limit of the newest events in append order.
// A non-positive limit returns the full retained history.
func (l *Log) Recent(limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// CausalRecent returns up to limit of the newest events reordered so
// that causally-earlier events come first. Concurrent events fall back
// to timestamp, then event ID.
func (l *Log) CausalRecent(limit int) []Event {
	return clock.CausalSort(l.Recent(limit))
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Subscribe creates a live subscription on the log's bus.
func (l *Log) Subscribe(types ...Type) *Subscription {
	return l.bus.Subscribe(types...)
}

// Close shuts down live delivery. The retained history stays readable.
func (l *Log) Close() {
	l.bus.Close()
}
