package clock

import "sync"

// Manager holds the authoritative vector clock for every registered
// node. All methods are safe for concurrent use; callers always
// receive copies, never live references to internal state.
type Manager struct {
	mu     sync.RWMutex
	clocks map[string]VectorClock
}

// NewManager creates an empty clock manager.
func NewManager() *Manager {
	return &Manager{clocks: make(map[string]VectorClock)}
}

// Register creates a clock for a new node, seeding zero entries for
// every node already known, and adds a zero entry for the new node to
// every existing clock. Registering a node twice returns the existing
// clock unchanged.
func (m *Manager) Register(node string) VectorClock {
	m.mu.Lock()
	defer m.mu.Unlock()

	if vc, ok := m.clocks[node]; ok {
		return vc.Copy()
	}

	vc := New()
	vc[node] = 0
	for existing, existingClock := range m.clocks {
		vc[existing] = 0
		existingClock[node] = 0
	}
	m.clocks[node] = vc
	return vc.Copy()
}

// Remove drops a node's clock. Other clocks keep their entry for the
// removed node so historical comparisons stay valid.
func (m *Manager) Remove(node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clocks, node)
}

// Known reports whether the node has a registered clock.
func (m *Manager) Known(node string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clocks[node]
	return ok
}

// Tick increments node's own entry and returns a copy of the updated
// clock. Ticking an unregistered node registers it first.
func (m *Manager) Tick(node string) VectorClock {
	m.mu.Lock()
	defer m.mu.Unlock()

	vc, ok := m.clocks[node]
	if !ok {
		vc = New()
		vc[node] = 0
		m.clocks[node] = vc
	}
	vc[node]++
	return vc.Copy()
}

// MergeReceive folds an incoming clock into the local node's clock
// (pointwise maximum) and then ticks the local entry, returning a copy.
// This is the message-receive rule.
func (m *Manager) MergeReceive(local string, incoming VectorClock) VectorClock {
	m.mu.Lock()
	defer m.mu.Unlock()

	vc, ok := m.clocks[local]
	if !ok {
		vc = New()
		vc[local] = 0
		m.clocks[local] = vc
	}
	vc.Merge(incoming)
	vc[local]++
	return vc.Copy()
}

// Clock returns a copy of the node's current clock.
func (m *Manager) Clock(node string) (VectorClock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vc, ok := m.clocks[node]
	if !ok {
		return nil, false
	}
	return vc.Copy(), true
}

// Snapshot returns a copy of every node's current clock, keyed by node
// ID. Used by the vector-clocks endpoint.
func (m *Manager) Snapshot() map[string]VectorClock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]VectorClock, len(m.clocks))
	for node, vc := range m.clocks {
		out[node] = vc.Copy()
	}
	return out
}
