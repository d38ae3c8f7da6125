// Package replication drives fan-out of newly created versions to
// every online peer. Sessions to one target run strictly one at a
// time, preserving causal order on each replica; across targets and
// files sessions proceed in parallel up to a global cap.
package replication

import (
	"time"

	"github.com/a6ar55/file-sync/pkg/delta"
)

// State is a replication session's lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Session is one replication attempt of one version to one target.
// Progress is quantized and monotonic: 0, 25, 50, 75, then 100 before
// Completed.
type Session struct {
	ID        string `json:"session_id"`
	FileID    string `json:"file_id"`
	VersionID string `json:"version_id"`
	SourceID  string `json:"source_id"`
	TargetID  string `json:"target_id"`

	State    State         `json:"state"`
	Progress int           `json:"progress"`
	Error    string        `json:"error,omitempty"`
	Metrics  delta.Metrics `json:"metrics"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
