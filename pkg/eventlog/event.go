// Package eventlog records everything observable that happens in the
// coordinator: node lifecycle, file modifications, replication
// progress, and conflicts. Every event carries the vector clock in
// effect when it was recorded, so histories can be ordered causally
// rather than by wall time alone.
package eventlog

import (
	"time"

	"github.com/a6ar55/file-sync/pkg/clock"
)

// Type identifies the kind of event.
type Type string

const (
	EventNodeRegistered   Type = "node_registered"
	EventNodeRemoved      Type = "node_removed"
	EventNodeStatusChange Type = "node_status_change"
	EventFileModified     Type = "file_modified"
	EventFileDeleted      Type = "file_deleted"
	EventSyncProgress     Type = "file_sync_progress"
	EventSyncCompleted    Type = "sync_completed"
	EventSyncError        Type = "sync_error"
	EventConflictDetected Type = "conflict_detected"
	EventConflictResolved Type = "conflict_resolved"
)

// Event is one recorded occurrence. Seq is assigned by the log and is
// strictly increasing in append order.
type Event struct {
	ID        string            `json:"id"`
	Seq       uint64            `json:"seq"`
	Type      Type              `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	VC        clock.VectorClock `json:"vector_clock"`
	Payload   any               `json:"payload,omitempty"`
}

// Clock returns the event's vector clock for causal ordering.
func (e Event) Clock() clock.VectorClock { return e.VC }

// Tiebreak orders concurrent events by timestamp, then event ID.
func (e Event) Tiebreak() (time.Time, string) { return e.Timestamp, e.ID }

// NodePayload describes node lifecycle events.
type NodePayload struct {
	NodeID  string `json:"node_id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Status  string `json:"status,omitempty"`
}

// FilePayload describes file modification and deletion events.
type FilePayload struct {
	FileID    string `json:"file_id"`
	Path      string `json:"path,omitempty"`
	VersionID string `json:"version_id,omitempty"`
	OriginID  string `json:"origin_id,omitempty"`
}

// ProgressPayload describes replication progress milestones.
type ProgressPayload struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	TargetID  string `json:"target_id"`
	Percent   int    `json:"percent"`
}

// SyncResultPayload describes a finished replication session.
type SyncResultPayload struct {
	SessionID        string `json:"session_id"`
	FileID           string `json:"file_id"`
	TargetID         string `json:"target_id"`
	BytesTransferred int64  `json:"bytes_transferred,omitempty"`
	BytesSaved       int64  `json:"bytes_saved,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ConflictPayload describes conflict detection and resolution.
type ConflictPayload struct {
	ConflictID string   `json:"conflict_id"`
	FileID     string   `json:"file_id"`
	VersionIDs []string `json:"version_ids,omitempty"`
	WinnerID   string   `json:"winner_id,omitempty"`
	ResolvedBy string   `json:"resolved_by,omitempty"`
}
