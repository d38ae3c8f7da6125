// Package chunk implements the coordinator's content-addressable chunk
// cache. Chunks are identified by the SHA-256 of their bytes and
// reference-counted: an entry is removed only when its last reference
// is released.
package chunk

import (
	"bytes"
	"sync"

	"github.com/a6ar55/file-sync/pkg/errs"
)

type entry struct {
	data []byte
	refs int
}

// Store is an in-memory content-addressable chunk store. It is safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[Hash]*entry
	bytes   int64
}

// NewStore creates an empty chunk store.
func NewStore() *Store {
	return &Store{entries: make(map[Hash]*entry)}
}

// Put stores the given bytes under their SHA-256 hash. If the hash is
// already present the reference count is incremented instead; identical
// bytes are never stored twice. The stored copy is private to the
// store.
func (s *Store) Put(data []byte) Hash {
	h := Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[h]; ok {
		e.refs++
		return h
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.entries[h] = &entry{data: cp, refs: 1}
	s.bytes += int64(len(cp))
	return h
}

// PutDeclared stores bytes a peer claims hash to h, verifying the claim
// first. A mismatch is rejected without storing anything.
func (s *Store) PutDeclared(h Hash, data []byte) error {
	if got := Sum(data); !bytes.Equal(got[:], h[:]) {
		return errs.New(errs.InvalidRequest, "chunk.PutDeclared",
			"declared hash %s does not match content hash %s", h, got)
	}
	s.Put(data)
	return nil
}

// Get returns a copy of the chunk's bytes.
func (s *Store) Get(h Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[h]
	if !ok {
		return nil, errs.New(errs.NotFound, "chunk.Get", "chunk %s not found", h)
	}
	cp := make([]byte, len(e.data))
	copy(cp, e.data)
	return cp, nil
}

// Has reports whether the chunk is present.
func (s *Store) Has(h Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[h]
	return ok
}

// Ref increments the reference count of an existing chunk.
func (s *Store) Ref(h Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return errs.New(errs.NotFound, "chunk.Ref", "chunk %s not found", h)
	}
	e.refs++
	return nil
}

// Unref decrements the reference count; reaching zero removes the
// entry. Unreferencing an unknown chunk is a no-op.
func (s *Store) Unref(h Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		s.bytes -= int64(len(e.data))
		delete(s.entries, h)
	}
}

// Refs returns the current reference count, or zero for unknown chunks.
func (s *Store) Refs(h Hash) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[h]; ok {
		return e.refs
	}
	return 0
}

// Stats describes the store's current contents.
type Stats struct {
	Chunks     int   `json:"chunks"`
	TotalBytes int64 `json:"total_bytes"`
}

// Stats returns the number of stored chunks and their cumulative size.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Chunks: len(s.entries), TotalBytes: s.bytes}
}
