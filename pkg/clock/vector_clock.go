// Package clock implements vector clocks for causal ordering of events
// across the synchronization fleet, and the manager that holds the
// authoritative per-node clock snapshot.
package clock

// VectorClock maps a node ID to that node's logical counter. Absent
// keys read as zero, so clocks over disjoint node sets remain
// comparable.
type VectorClock map[string]uint64

// New returns an empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Get returns the counter for node, treating absent entries as zero.
func (vc VectorClock) Get(node string) uint64 {
	return vc[node]
}

// Copy returns a deep copy. A nil clock copies to an empty one.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for node, v := range vc {
		out[node] = v
	}
	return out
}

// Tick increments the entry for node in place and returns the clock for
// chaining.
func (vc VectorClock) Tick(node string) VectorClock {
	vc[node]++
	return vc
}

// Merge sets every entry to the pointwise maximum of vc and other, in
// place. It does not tick; message-receive semantics live on the
// Manager.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	for node, v := range other {
		if v > vc[node] {
			vc[node] = v
		}
	}
	return vc
}

// Ordering is the causal relationship between two vector clocks.
type Ordering int

const (
	// Before means the first clock happened strictly before the second.
	Before Ordering = iota
	// After means the first clock happened strictly after the second.
	After
	// Concurrent means the clocks are incomparable.
	Concurrent
	// Equal means all entries match.
	Equal
)

// String returns the conventional symbol for the ordering.
func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	case Equal:
		return "equal"
	default:
		return "unknown"
	}
}

// Compare determines the causal relationship between a and b. Entries
// missing on either side are treated as zero.
func Compare(a, b VectorClock) Ordering {
	aGreater := false
	bGreater := false

	for node, av := range a {
		bv := b[node]
		if av > bv {
			aGreater = true
		} else if av < bv {
			bGreater = true
		}
	}
	for node, bv := range b {
		if _, ok := a[node]; !ok && bv > 0 {
			bGreater = true
		}
	}

	switch {
	case aGreater && !bGreater:
		return After
	case bGreater && !aGreater:
		return Before
	case aGreater && bGreater:
		return Concurrent
	default:
		return Equal
	}
}

// HappenedBefore reports whether a is strictly before b.
func HappenedBefore(a, b VectorClock) bool {
	return Compare(a, b) == Before
}

// IsConcurrent reports whether a and b are incomparable.
func IsConcurrent(a, b VectorClock) bool {
	return Compare(a, b) == Concurrent
}

// Dominates reports whether a is componentwise >= b.
func Dominates(a, b VectorClock) bool {
	switch Compare(a, b) {
	case After, Equal:
		return true
	default:
		return false
	}
}

// IsConcurrentWithAny reports whether vc is concurrent with at least
// one of the given clocks.
func IsConcurrentWithAny(vc VectorClock, others []VectorClock) bool {
	for _, other := range others {
		if IsConcurrent(vc, other) {
			return true
		}
	}
	return false
}
