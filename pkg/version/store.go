package version

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a6ar55/file-sync/pkg/chunk"
	"github.com/a6ar55/file-sync/pkg/clock"
	"github.com/a6ar55/file-sync/pkg/delta"
	"github.com/a6ar55/file-sync/pkg/errs"
	"github.com/a6ar55/file-sync/pkg/log"
)

// Store holds the version DAG for every file. Mutations for one file
// are serialized by a per-file mutex; reads work on snapshots. Chunk
// references are owned by the store: each stored version holds one
// reference per chunk in its list, released when the file is deleted.
type Store struct {
	mu    sync.RWMutex
	files map[string]*fileState

	cmu       sync.Mutex
	conflicts map[string]*Conflict

	chunks *chunk.Store
	logger *log.Logger
}

type fileState struct {
	mu        sync.Mutex
	id        string
	path      string
	versions  map[string]*FileVersion
	heads     map[string]struct{}
	deleted   bool
	updatedAt time.Time
}

// NewStore creates a version store backed by the given chunk store.
func NewStore(chunks *chunk.Store, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Module("version")
	}
	return &Store{
		files:     make(map[string]*fileState),
		conflicts: make(map[string]*Conflict),
		chunks:    chunks,
		logger:    logger,
	}
}

func (s *Store) fileFor(fileID string, create bool) (*fileState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.files[fileID]
	if !ok {
		if !create {
			return nil, errs.New(errs.NotFound, "version", "file %s not found", fileID)
		}
		fs = &fileState{
			id:       fileID,
			versions: make(map[string]*FileVersion),
			heads:    make(map[string]struct{}),
		}
		s.files[fileID] = fs
	}
	return fs, nil
}

// CreateVersion validates and records a new version of a file. The
// clock must be strictly after or concurrent with every current head;
// a clock at or below any head is a StaleVersion. Every chunk in sigs
// must already be present in the chunk store. Heads the new clock
// dominates are superseded; any head left concurrent with the new
// version produces a Conflict record, returned alongside the version.
func (s *Store) CreateVersion(fileID, path, originator string, vc clock.VectorClock, sigs []delta.ChunkSignature, contentHash chunk.Hash) (FileVersion, []Conflict, error) {
	fs, err := s.fileFor(fileID, true)
	if err != nil {
		return FileVersion{}, nil, err
	}

	fs.mu.Lock()
	prevPath, prevDeleted := fs.path, fs.deleted
	if path != "" {
		fs.path = path
	}
	fs.deleted = false

	v, conflicts, err := s.createLocked(fs, originator, vc, sigs, contentHash)
	if err != nil {
		// A rejected submission must not register a file or resurrect
		// a deleted one.
		fs.path, fs.deleted = prevPath, prevDeleted
		empty := len(fs.versions) == 0
		fs.mu.Unlock()
		if empty {
			s.dropEmpty(fileID)
		}
		return FileVersion{}, nil, err
	}
	fs.mu.Unlock()
	return v, conflicts, nil
}

// dropEmpty removes a file entry that holds no versions.
func (s *Store) dropEmpty(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.files[fileID]
	if !ok {
		return
	}
	fs.mu.Lock()
	empty := len(fs.versions) == 0
	fs.mu.Unlock()
	if empty {
		delete(s.files, fileID)
	}
}

// createLocked holds fs.mu.
func (s *Store) createLocked(fs *fileState, originator string, vc clock.VectorClock, sigs []delta.ChunkSignature, contentHash chunk.Hash) (FileVersion, []Conflict, error) {
	const op = "version.CreateVersion"

	for id := range fs.heads {
		head := fs.versions[id]
		switch clock.Compare(vc, head.VC) {
		case clock.Before, clock.Equal:
			return FileVersion{}, nil, errs.New(errs.StaleVersion, op,
				"clock %v is not after head %s (%v)", vc, head.VersionID, head.VC)
		}
	}

	for _, sig := range sigs {
		if !s.chunks.Has(sig.Hash) {
			return FileVersion{}, nil, errs.New(errs.MissingChunk, op,
				"chunk %s (index %d) not present", sig.Hash, sig.Index)
		}
	}
	for _, sig := range sigs {
		if err := s.chunks.Ref(sig.Hash); err != nil {
			return FileVersion{}, nil, errs.Wrap(errs.MissingChunk, op, err)
		}
	}

	var size int64
	for _, sig := range sigs {
		size += int64(sig.Size)
	}

	now := time.Now().UTC()
	v := &FileVersion{
		FileID:      fs.id,
		VersionID:   uuid.NewString(),
		VC:          vc.Copy(),
		Chunks:      append([]delta.ChunkSignature(nil), sigs...),
		Size:        size,
		ContentHash: contentHash,
		CreatedBy:   originator,
		CreatedAt:   now,
	}

	var concurrent []*FileVersion
	for id := range fs.heads {
		head := fs.versions[id]
		switch clock.Compare(head.VC, vc) {
		case clock.Before:
			v.ParentIDs = append(v.ParentIDs, id)
			delete(fs.heads, id)
		case clock.Concurrent:
			concurrent = append(concurrent, head)
		}
	}
	sort.Strings(v.ParentIDs)

	fs.versions[v.VersionID] = v
	fs.heads[v.VersionID] = struct{}{}
	fs.updatedAt = now

	var conflicts []Conflict
	if len(concurrent) > 0 {
		s.cmu.Lock()
		for _, head := range concurrent {
			c := &Conflict{
				ConflictID: uuid.NewString(),
				FileID:     fs.id,
				VersionA:   head.VersionID,
				VersionB:   v.VersionID,
				DetectedAt: now,
			}
			s.conflicts[c.ConflictID] = c
			conflicts = append(conflicts, *c)
		}
		s.cmu.Unlock()
		s.logger.Warn("concurrent heads detected",
			"file_id", fs.id, "version_id", v.VersionID, "heads", len(fs.heads))
	}

	return v.clone(), conflicts, nil
}

// Head returns the current head versions of a file, causally sorted.
// A single element is the normal case; more means an unresolved
// conflict.
func (s *Store) Head(fileID string) ([]FileVersion, error) {
	fs, err := s.lookup(fileID)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	heads := make([]FileVersion, 0, len(fs.heads))
	for id := range fs.heads {
		heads = append(heads, fs.versions[id].clone())
	}
	fs.mu.Unlock()

	return clock.CausalSort(heads), nil
}

// Get returns one version by ID.
func (s *Store) Get(fileID, versionID string) (FileVersion, error) {
	fs, err := s.lookup(fileID)
	if err != nil {
		return FileVersion{}, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	v, ok := fs.versions[versionID]
	if !ok {
		return FileVersion{}, errs.New(errs.NotFound, "version.Get",
			"version %s of file %s not found", versionID, fileID)
	}
	return v.clone(), nil
}

// History returns every version of a file in causal order.
func (s *Store) History(fileID string) ([]FileVersion, error) {
	fs, err := s.lookup(fileID)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	all := make([]FileVersion, 0, len(fs.versions))
	for _, v := range fs.versions {
		all = append(all, v.clone())
	}
	fs.mu.Unlock()

	return clock.CausalSort(all), nil
}

// Restore creates a new version whose content equals versionID's and
// whose clock is produced by tick applied to the merge of the current
// head clocks. History is never rewritten; a restore is an ordinary
// forward step and leaves a singleton head.
func (s *Store) Restore(fileID, versionID, originator string, tick func(clock.VectorClock) clock.VectorClock) (FileVersion, error) {
	fs, err := s.lookup(fileID)
	if err != nil {
		return FileVersion{}, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	target, ok := fs.versions[versionID]
	if !ok {
		return FileVersion{}, errs.New(errs.NotFound, "version.Restore",
			"version %s of file %s not found", versionID, fileID)
	}

	merged := clock.New()
	for id := range fs.heads {
		merged.Merge(fs.versions[id].VC)
	}
	vc := tick(merged)

	v, _, err := s.createLocked(fs, originator, vc, target.Chunks, target.ContentHash)
	return v, err
}

// Diff computes the delta transforming fromID's content into toID's.
func (s *Store) Diff(fileID, fromID, toID string, engine *delta.Engine) (delta.Delta, error) {
	from, err := s.Get(fileID, fromID)
	if err != nil {
		return delta.Delta{}, err
	}
	to, err := s.Get(fileID, toID)
	if err != nil {
		return delta.Delta{}, err
	}
	content, err := s.contentOf(to)
	if err != nil {
		return delta.Delta{}, err
	}
	return engine.Build(from.Chunks, content), nil
}

// Content reconstructs the bytes of the current head. With concurrent
// heads the causally latest one (timestamp tiebreak) is served.
func (s *Store) Content(fileID string) ([]byte, FileVersion, error) {
	heads, err := s.Head(fileID)
	if err != nil {
		return nil, FileVersion{}, err
	}
	if len(heads) == 0 {
		return nil, FileVersion{}, errs.New(errs.NotFound, "version.Content",
			"file %s has no versions", fileID)
	}
	head := heads[len(heads)-1]
	content, err := s.contentOf(head)
	return content, head, err
}

// ContentOf reconstructs the bytes of one specific version.
func (s *Store) ContentOf(fileID, versionID string) ([]byte, error) {
	v, err := s.Get(fileID, versionID)
	if err != nil {
		return nil, err
	}
	return s.contentOf(v)
}

func (s *Store) contentOf(v FileVersion) ([]byte, error) {
	out := make([]byte, 0, v.Size)
	for _, sig := range v.Chunks {
		data, err := s.chunks.Get(sig.Hash)
		if err != nil {
			return nil, errs.Wrap(errs.MissingChunk, "version.Content", err)
		}
		out = append(out, data...)
	}
	return out, nil
}

// DeleteFile soft-deletes a file: its versions drop out of listings
// and every chunk reference they held is released. Version records are
// retained for the audit trail.
func (s *Store) DeleteFile(fileID string) error {
	fs, err := s.lookup(fileID)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.deleted {
		return errs.New(errs.NotFound, "version.DeleteFile", "file %s not found", fileID)
	}
	for _, v := range fs.versions {
		for _, sig := range v.Chunks {
			s.chunks.Unref(sig.Hash)
		}
	}
	fs.deleted = true
	fs.updatedAt = time.Now().UTC()

	s.logger.Info("file deleted", "file_id", fileID, "versions", len(fs.versions))
	return nil
}

// Files lists non-deleted files.
func (s *Store) Files() []FileSummary {
	s.mu.RLock()
	states := make([]*fileState, 0, len(s.files))
	for _, fs := range s.files {
		states = append(states, fs)
	}
	s.mu.RUnlock()

	out := make([]FileSummary, 0, len(states))
	for _, fs := range states {
		fs.mu.Lock()
		if fs.deleted {
			fs.mu.Unlock()
			continue
		}
		sum := FileSummary{
			FileID:       fs.id,
			Path:         fs.path,
			VersionCount: len(fs.versions),
			Conflicted:   len(fs.heads) > 1,
			UpdatedAt:    fs.updatedAt,
		}
		for id := range fs.heads {
			sum.HeadIDs = append(sum.HeadIDs, id)
			if v := fs.versions[id]; v.Size > sum.Size {
				sum.Size = v.Size
			}
		}
		sort.Strings(sum.HeadIDs)
		fs.mu.Unlock()
		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}

func (s *Store) lookup(fileID string) (*fileState, error) {
	s.mu.RLock()
	fs, ok := s.files[fileID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "version", "file %s not found", fileID)
	}
	return fs, nil
}

// Conflicts lists conflict records, oldest first. With unresolvedOnly
// set, resolved conflicts are skipped.
func (s *Store) Conflicts(unresolvedOnly bool) []Conflict {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	out := make([]Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		if unresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ConflictID < out[j].ConflictID
	})
	return out
}

// GetConflict returns one conflict record.
func (s *Store) GetConflict(conflictID string) (Conflict, error) {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	c, ok := s.conflicts[conflictID]
	if !ok {
		return Conflict{}, errs.New(errs.NotFound, "version.GetConflict",
			"conflict %s not found", conflictID)
	}
	return *c, nil
}

// ResolveConflict records an operator's decision: a new head is
// created with the winner's content and a clock produced by tick over
// the merge of all current head clocks, so it supersedes both sides.
func (s *Store) ResolveConflict(conflictID, winnerVersionID, resolvedBy string, tick func(clock.VectorClock) clock.VectorClock) (FileVersion, Conflict, error) {
	const op = "version.ResolveConflict"

	s.cmu.Lock()
	c, ok := s.conflicts[conflictID]
	if !ok {
		s.cmu.Unlock()
		return FileVersion{}, Conflict{}, errs.New(errs.NotFound, op, "conflict %s not found", conflictID)
	}
	if c.Resolved {
		s.cmu.Unlock()
		return FileVersion{}, Conflict{}, errs.New(errs.InvalidRequest, op,
			"conflict %s already resolved to %s", conflictID, c.Resolution)
	}
	fileID := c.FileID
	s.cmu.Unlock()

	if winnerVersionID != c.VersionA && winnerVersionID != c.VersionB {
		return FileVersion{}, Conflict{}, errs.New(errs.InvalidRequest, op,
			"version %s is not a side of conflict %s", winnerVersionID, conflictID)
	}

	fs, err := s.lookup(fileID)
	if err != nil {
		return FileVersion{}, Conflict{}, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	winner, ok := fs.versions[winnerVersionID]
	if !ok {
		return FileVersion{}, Conflict{}, errs.New(errs.NotFound, op,
			"version %s of file %s not found", winnerVersionID, fileID)
	}

	merged := clock.New()
	for id := range fs.heads {
		merged.Merge(fs.versions[id].VC)
	}
	vc := tick(merged)

	v, _, err := s.createLocked(fs, resolvedBy, vc, winner.Chunks, winner.ContentHash)
	if err != nil {
		return FileVersion{}, Conflict{}, err
	}

	s.cmu.Lock()
	c.Resolved = true
	c.Resolution = winnerVersionID
	c.ResolvedAt = time.Now().UTC()
	c.ResolvedBy = resolvedBy
	resolved := *c
	s.cmu.Unlock()

	s.logger.Info("conflict resolved",
		"conflict_id", conflictID, "file_id", fileID, "winner", winnerVersionID, "successor", v.VersionID)
	return v, resolved, nil
}

// Stats counts files and versions for metrics reporting.
type Stats struct {
	Files     int `json:"files"`
	Versions  int `json:"versions"`
	Conflicts int `json:"conflicts_unresolved"`
}

// Stats returns current counts over non-deleted files.
func (s *Store) Stats() Stats {
	var st Stats

	s.mu.RLock()
	states := make([]*fileState, 0, len(s.files))
	for _, fs := range s.files {
		states = append(states, fs)
	}
	s.mu.RUnlock()

	for _, fs := range states {
		fs.mu.Lock()
		if !fs.deleted {
			st.Files++
			st.Versions += len(fs.versions)
		}
		fs.mu.Unlock()
	}

	s.cmu.Lock()
	for _, c := range s.conflicts {
		if !c.Resolved {
			st.Conflicts++
		}
	}
	s.cmu.Unlock()
	return st
}
