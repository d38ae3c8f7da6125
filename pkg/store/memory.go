package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a6ar55/file-sync/pkg/errs"
)

// Memory is the embedded Store used for tests and DB-less runs.
type Memory struct {
	mu        sync.RWMutex
	nodes     map[string]NodeRecord
	files     map[string]FileRecord
	versions  map[string]VersionRecord
	chunkRefs map[string][]ChunkRef // version_id -> refs
	chunks    map[string]ChunkRecord
	events    []EventRecord
	conflicts map[string]ConflictRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nodes:     make(map[string]NodeRecord),
		files:     make(map[string]FileRecord),
		versions:  make(map[string]VersionRecord),
		chunkRefs: make(map[string][]ChunkRef),
		chunks:    make(map[string]ChunkRecord),
		conflicts: make(map[string]ConflictRecord),
	}
}

func (m *Memory) SaveNode(_ context.Context, n NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.nodes[n.ID]; ok {
		n.CreatedAt = existing.CreatedAt
	} else if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.UpdatedAt = time.Now().UTC()
	m.nodes[n.ID] = n
	return nil
}

func (m *Memory) DeleteNode(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[nodeID]; !ok {
		return errs.New(errs.NotFound, "store.DeleteNode", "node %s not found", nodeID)
	}
	delete(m.nodes, nodeID)
	return nil
}

func (m *Memory) GetNode(_ context.Context, nodeID string) (NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[nodeID]
	if !ok {
		return NodeRecord{}, errs.New(errs.NotFound, "store.GetNode", "node %s not found", nodeID)
	}
	return n, nil
}

func (m *Memory) ListNodes(_ context.Context) ([]NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NodeRecord, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveFile(_ context.Context, f FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.files[f.FileID]; ok {
		f.CreatedAt = existing.CreatedAt
	} else if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	f.UpdatedAt = time.Now().UTC()
	m.files[f.FileID] = f
	return nil
}

func (m *Memory) MarkFileDeleted(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[fileID]
	if !ok {
		return errs.New(errs.NotFound, "store.MarkFileDeleted", "file %s not found", fileID)
	}
	f.IsDeleted = true
	f.UpdatedAt = time.Now().UTC()
	m.files[fileID] = f
	return nil
}

func (m *Memory) ListFiles(_ context.Context) ([]FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FileRecord, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}

func (m *Memory) SaveVersion(_ context.Context, v VersionRecord, chunks []ChunkRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	m.versions[v.VersionID] = v
	m.chunkRefs[v.VersionID] = append([]ChunkRef(nil), chunks...)
	return nil
}

func (m *Memory) ListVersions(_ context.Context, fileID string) ([]VersionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []VersionRecord
	for _, v := range m.versions {
		if v.FileID == fileID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].VersionID < out[j].VersionID
	})
	return out, nil
}

func (m *Memory) VersionChunks(_ context.Context, versionID string) ([]ChunkRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs, ok := m.chunkRefs[versionID]
	if !ok {
		return nil, errs.New(errs.NotFound, "store.VersionChunks", "version %s not found", versionID)
	}
	return append([]ChunkRef(nil), refs...), nil
}

func (m *Memory) UpsertChunk(_ context.Context, c ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[c.Hash] = c
	return nil
}

func (m *Memory) DeleteChunk(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, hash)
	return nil
}

func (m *Memory) SaveEvent(_ context.Context, e EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) RecentEvents(_ context.Context, limit int) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.events)
	if limit > 0 && limit < n {
		n = limit
	}
	// Most recent first.
	out := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		out[i] = m.events[len(m.events)-1-i]
	}
	return out, nil
}

func (m *Memory) SaveConflict(_ context.Context, c ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[c.ConflictID] = c
	return nil
}

func (m *Memory) ListConflicts(_ context.Context, unresolvedOnly bool) ([]ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConflictRecord, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		if unresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ConflictID < out[j].ConflictID
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }
