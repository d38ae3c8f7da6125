// Package errs defines the coordinator's closed error taxonomy. Every
// failure that crosses a component boundary is classified by a Kind so
// that callers (and the HTTP layer) can dispatch on it without string
// matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// Internal is an unclassified coordinator failure.
	Internal Kind = iota
	// NotFound means an unknown node, file, version or chunk.
	NotFound
	// StaleVersion means a submitted clock is not a descendant of the
	// current head.
	StaleVersion
	// MissingChunk means a version or delta references a hash the chunk
	// store does not hold.
	MissingChunk
	// DeltaIntegrity means a delta apply produced content whose hash does
	// not match the originator's declared hash.
	DeltaIntegrity
	// ConflictDetected marks a concurrent head; it is surfaced to callers
	// as success with a conflict reference, never as a failure.
	ConflictDetected
	// SessionTimeout means a per-step or per-session deadline was exceeded.
	SessionTimeout
	// TargetOffline means the replication target went offline mid-session.
	TargetOffline
	// Transport is an underlying I/O failure during replication.
	Transport
	// InvalidRequest is malformed input rejected at the boundary.
	InvalidRequest
)

// String returns the snake_case name of the kind, matching the wire
// representation used in error payloads.
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case StaleVersion:
		return "stale_version"
	case MissingChunk:
		return "missing_chunk"
	case DeltaIntegrity:
		return "delta_integrity_error"
	case ConflictDetected:
		return "conflict_detected"
	case SessionTimeout:
		return "session_timeout"
	case TargetOffline:
		return "target_offline"
	case Transport:
		return "transport_error"
	case InvalidRequest:
		return "invalid_request"
	default:
		return "internal"
	}
}

// Error is a classified coordinator error. It wraps an optional cause.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "version.Create"
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		if e.Op == "" {
			return e.Msg
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
