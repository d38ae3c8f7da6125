package clock

import (
	"sort"
	"time"
)

// Item is anything that can be placed in a causal order: it exposes the
// vector clock it was issued with and a (timestamp, id) pair used to
// break ties between concurrent items.
type Item interface {
	Clock() VectorClock
	Tiebreak() (time.Time, string)
}

// CausalSort produces a total order that refines happens-before: a Kahn
// topological sort over the DAG with an edge u -> v iff u's clock is
// strictly before v's, with concurrent items ordered by (timestamp, id).
// The input slice is not modified.
func CausalSort[T Item](items []T) []T {
	n := len(items)
	if n <= 1 {
		out := make([]T, n)
		copy(out, items)
		return out
	}

	// indegree[i] counts items that happened strictly before items[i].
	indegree := make([]int, n)
	succs := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if HappenedBefore(items[i].Clock(), items[j].Clock()) {
				succs[i] = append(succs[i], j)
				indegree[j]++
			}
		}
	}

	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	less := func(a, b int) bool {
		ta, ida := items[a].Tiebreak()
		tb, idb := items[b].Tiebreak()
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return ida < idb
	}

	out := make([]T, 0, n)
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return less(ready[a], ready[b]) })
		next := ready[0]
		ready = ready[1:]
		out = append(out, items[next])
		for _, s := range succs[next] {
			indegree[s]--
			if indegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}

	// Equal clocks form no edges and never cycle, so all items drain.
	return out
}
