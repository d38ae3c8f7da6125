// Package node tracks the fleet: registration, heartbeats, and the
// online/offline lifecycle. Status transitions are observable through
// listeners so in-flight replication can react to a target going away.
package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a6ar55/file-sync/pkg/errs"
	"github.com/a6ar55/file-sync/pkg/log"
)

// Status is a node's liveness state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Node describes one registered fleet member.
type Node struct {
	ID           string    `json:"node_id"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// StatusListener is notified after a node's status changes. Listeners
// run on the caller's goroutine and must not block.
type StatusListener func(n Node, from, to Status)

// Registry holds the fleet and applies the heartbeat-timeout rule: a
// node that has not been seen for offlineAfter is marked offline by
// the monitor sweep. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	lmu       sync.RWMutex
	listeners []StatusListener

	offlineAfter time.Duration
	logger       *log.Logger
	now          func() time.Time
}

// NewRegistry creates a registry marking nodes offline after
// offlineAfter without a heartbeat.
func NewRegistry(offlineAfter time.Duration, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Module("node")
	}
	return &Registry{
		nodes:        make(map[string]*Node),
		offlineAfter: offlineAfter,
		logger:       logger,
		now:          time.Now,
	}
}

// OnStatusChange registers a listener for status transitions.
func (r *Registry) OnStatusChange(fn StatusListener) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

func (r *Registry) notify(n Node, from, to Status) {
	r.lmu.RLock()
	listeners := make([]StatusListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.lmu.RUnlock()

	for _, fn := range listeners {
		fn(n, from, to)
	}
}

// Register adds a node or refreshes an existing one. Re-registration
// updates address, name and capabilities and brings the node back
// online. It reports whether the node was newly created.
func (r *Registry) Register(id, name, address string, port int, capabilities []string) (Node, bool, error) {
	if id == "" {
		return Node{}, false, errs.New(errs.InvalidRequest, "node.Register", "node id must not be empty")
	}

	now := r.now().UTC()

	r.mu.Lock()
	n, exists := r.nodes[id]
	var from Status
	if exists {
		from = n.Status
		n.Name = name
		n.Address = address
		n.Port = port
		n.Capabilities = append([]string(nil), capabilities...)
		n.Status = StatusOnline
		n.LastSeen = now
	} else {
		n = &Node{
			ID:           id,
			Name:         name,
			Address:      address,
			Port:         port,
			Capabilities: append([]string(nil), capabilities...),
			Status:       StatusOnline,
			RegisteredAt: now,
			LastSeen:     now,
		}
		r.nodes[id] = n
	}
	snapshot := *n
	r.mu.Unlock()

	if exists && from == StatusOffline {
		r.notify(snapshot, from, StatusOnline)
	}
	if !exists {
		r.logger.Info("node registered", "node_id", id, "name", name, "address", address)
	}
	return snapshot, !exists, nil
}

// Heartbeat refreshes a node's liveness, reviving it if it was
// offline.
func (r *Registry) Heartbeat(id string) (Node, error) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return Node{}, errs.New(errs.NotFound, "node.Heartbeat", "node %s not found", id)
	}
	from := n.Status
	n.LastSeen = r.now().UTC()
	n.Status = StatusOnline
	snapshot := *n
	r.mu.Unlock()

	if from == StatusOffline {
		r.logger.Info("node back online", "node_id", id)
		r.notify(snapshot, from, StatusOnline)
	}
	return snapshot, nil
}

// Get returns one node.
func (r *Registry) Get(id string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return Node{}, errs.New(errs.NotFound, "node.Get", "node %s not found", id)
	}
	return *n, nil
}

// List returns all nodes sorted by ID.
func (r *Registry) List() []Node {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Online returns all online nodes sorted by ID.
func (r *Registry) Online() []Node {
	all := r.List()
	out := all[:0]
	for _, n := range all {
		if n.Status == StatusOnline {
			out = append(out, n)
		}
	}
	return out
}

// Remove deletes a node. Callers are responsible for the cascade
// (clock removal, session cancellation).
func (r *Registry) Remove(id string) (Node, error) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return Node{}, errs.New(errs.NotFound, "node.Remove", "node %s not found", id)
	}
	delete(r.nodes, id)
	snapshot := *n
	r.mu.Unlock()

	r.logger.Info("node removed", "node_id", id)
	if snapshot.Status == StatusOnline {
		r.notify(snapshot, StatusOnline, StatusOffline)
	}
	return snapshot, nil
}

// Sweep marks every online node not seen within the offline window as
// offline and returns the nodes that transitioned.
func (r *Registry) Sweep() []Node {
	now := r.now().UTC()

	r.mu.Lock()
	var expired []Node
	for _, n := range r.nodes {
		if n.Status == StatusOnline && now.Sub(n.LastSeen) > r.offlineAfter {
			n.Status = StatusOffline
			expired = append(expired, *n)
		}
	}
	r.mu.Unlock()

	for _, n := range expired {
		r.logger.Warn("node offline", "node_id", n.ID, "last_seen", n.LastSeen)
		r.notify(n, StatusOnline, StatusOffline)
	}
	return expired
}

// Monitor runs the offline sweep at the given interval until the
// context is cancelled.
func (r *Registry) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Count returns total and online node counts.
func (r *Registry) Count() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total = len(r.nodes)
	for _, n := range r.nodes {
		if n.Status == StatusOnline {
			online++
		}
	}
	return total, online
}
