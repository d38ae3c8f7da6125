// Package version maintains the immutable per-file version DAG: every
// accepted upload becomes a FileVersion bound to a vector clock and a
// chunk list, heads track the current leaves, and concurrent heads are
// surfaced as conflicts.
package version

import (
	"time"

	"github.com/a6ar55/file-sync/pkg/chunk"
	"github.com/a6ar55/file-sync/pkg/clock"
	"github.com/a6ar55/file-sync/pkg/delta"
)

// FileVersion is one immutable version of a file. Chunks lists the
// signatures of the content in order; ContentHash is the SHA-256 of
// the concatenated chunk bytes.
type FileVersion struct {
	FileID      string                 `json:"file_id"`
	VersionID   string                 `json:"version_id"`
	ParentIDs   []string               `json:"parent_ids,omitempty"`
	VC          clock.VectorClock      `json:"vector_clock"`
	Chunks      []delta.ChunkSignature `json:"chunks"`
	Size        int64                  `json:"size"`
	ContentHash chunk.Hash             `json:"content_hash"`
	CreatedBy   string                 `json:"created_by"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Clock returns the version's vector clock for causal ordering.
func (v FileVersion) Clock() clock.VectorClock { return v.VC }

// Tiebreak orders concurrent versions by creation time, then ID.
func (v FileVersion) Tiebreak() (time.Time, string) { return v.CreatedAt, v.VersionID }

// Signature returns the version's chunk signature list.
func (v FileVersion) Signature() []delta.ChunkSignature { return v.Chunks }

func (v FileVersion) clone() FileVersion {
	cp := v
	cp.VC = v.VC.Copy()
	cp.ParentIDs = append([]string(nil), v.ParentIDs...)
	cp.Chunks = append([]delta.ChunkSignature(nil), v.Chunks...)
	return cp
}

// Conflict records two concurrent heads for a file. Resolution names
// the winning version once an operator resolves it.
type Conflict struct {
	ConflictID string    `json:"conflict_id"`
	FileID     string    `json:"file_id"`
	VersionA   string    `json:"version_a"`
	VersionB   string    `json:"version_b"`
	DetectedAt time.Time `json:"detected_at"`
	Resolved   bool      `json:"resolved"`
	Resolution string    `json:"resolution,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
}

// FileSummary describes one file for listings.
type FileSummary struct {
	FileID       string    `json:"file_id"`
	Path         string    `json:"path,omitempty"`
	HeadIDs      []string  `json:"head_ids"`
	VersionCount int       `json:"version_count"`
	Size         int64     `json:"size"`
	Conflicted   bool      `json:"conflicted"`
	UpdatedAt    time.Time `json:"updated_at"`
}
