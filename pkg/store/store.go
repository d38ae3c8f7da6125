// Package store persists the coordinator's metadata: nodes, files,
// versions, chunk index, events, and conflicts. The in-memory domain
// components stay authoritative at runtime; the store is the durable
// record consulted for audit and recovery. Memory is the embedded
// implementation used in tests and DB-less runs; Postgres is the
// production implementation.
package store

import (
	"context"
	"time"
)

// NodeRecord is the persisted shape of a fleet member. Capabilities
// and VectorClock are JSON-encoded text columns.
type NodeRecord struct {
	ID           string    `db:"node_id" json:"node_id"`
	Name         string    `db:"name" json:"name"`
	Address      string    `db:"address" json:"address"`
	Port         int       `db:"port" json:"port"`
	Status       string    `db:"status" json:"status"`
	Capabilities string    `db:"capabilities" json:"capabilities"`
	VectorClock  string    `db:"vector_clock" json:"vector_clock"`
	LastSeen     time.Time `db:"last_seen" json:"last_seen"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// FileRecord is the persisted shape of a file.
type FileRecord struct {
	FileID      string    `db:"file_id" json:"file_id"`
	Path        string    `db:"path" json:"path"`
	OwnerNode   string    `db:"owner_node" json:"owner_node"`
	Size        int64     `db:"size" json:"size"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	IsDeleted   bool      `db:"is_deleted" json:"is_deleted"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// VersionRecord is the persisted shape of one immutable file version.
// ParentIDs and VectorClock are JSON-encoded.
type VersionRecord struct {
	VersionID   string    `db:"version_id" json:"version_id"`
	FileID      string    `db:"file_id" json:"file_id"`
	ParentIDs   string    `db:"parent_ids" json:"parent_ids"`
	VectorClock string    `db:"vector_clock" json:"vector_clock"`
	Size        int64     `db:"size" json:"size"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	CreatedBy   string    `db:"created_by" json:"created_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ChunkRef ties one chunk to a version at a position.
type ChunkRef struct {
	VersionID string `db:"version_id" json:"version_id"`
	Idx       int    `db:"idx" json:"idx"`
	Offset    int64  `db:"chunk_offset" json:"offset"`
	Size      int    `db:"size" json:"size"`
	Hash      string `db:"hash" json:"hash"`
}

// ChunkRecord mirrors the chunk store's refcount index.
type ChunkRecord struct {
	Hash string `db:"hash" json:"hash"`
	Size int    `db:"size" json:"size"`
	Refs int    `db:"refs" json:"refs"`
}

// EventRecord is the persisted shape of an audit event. Data and
// VectorClock are JSON-encoded.
type EventRecord struct {
	EventID     string    `db:"event_id" json:"event_id"`
	Seq         uint64    `db:"seq" json:"seq"`
	Type        string    `db:"event_type" json:"event_type"`
	NodeID      string    `db:"node_id" json:"node_id"`
	FileID      string    `db:"file_id" json:"file_id,omitempty"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
	VectorClock string    `db:"vector_clock" json:"vector_clock"`
	Data        string    `db:"data" json:"data"`
	Processed   bool      `db:"processed" json:"processed"`
}

// ConflictRecord is the persisted shape of a conflict.
type ConflictRecord struct {
	ConflictID string     `db:"conflict_id" json:"conflict_id"`
	FileID     string     `db:"file_id" json:"file_id"`
	VersionA   string     `db:"version_a" json:"version_a"`
	VersionB   string     `db:"version_b" json:"version_b"`
	DetectedAt time.Time  `db:"detected_at" json:"detected_at"`
	Resolved   bool       `db:"is_resolved" json:"is_resolved"`
	Resolution string     `db:"resolution" json:"resolution,omitempty"`
	ResolvedAt *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Store is the metadata persistence contract. Implementations must be
// safe for concurrent use. Writes are upserts keyed on the record's
// primary ID.
type Store interface {
	SaveNode(ctx context.Context, n NodeRecord) error
	DeleteNode(ctx context.Context, nodeID string) error
	GetNode(ctx context.Context, nodeID string) (NodeRecord, error)
	ListNodes(ctx context.Context) ([]NodeRecord, error)

	SaveFile(ctx context.Context, f FileRecord) error
	MarkFileDeleted(ctx context.Context, fileID string) error
	ListFiles(ctx context.Context) ([]FileRecord, error)

	SaveVersion(ctx context.Context, v VersionRecord, chunks []ChunkRef) error
	ListVersions(ctx context.Context, fileID string) ([]VersionRecord, error)
	VersionChunks(ctx context.Context, versionID string) ([]ChunkRef, error)

	UpsertChunk(ctx context.Context, c ChunkRecord) error
	DeleteChunk(ctx context.Context, hash string) error

	SaveEvent(ctx context.Context, e EventRecord) error
	RecentEvents(ctx context.Context, limit int) ([]EventRecord, error)

	SaveConflict(ctx context.Context, c ConflictRecord) error
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]ConflictRecord, error)

	Close() error
}
