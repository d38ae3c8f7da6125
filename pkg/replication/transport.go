package replication

import (
	"context"
	"sync"

	"github.com/a6ar55/file-sync/pkg/chunk"
	"github.com/a6ar55/file-sync/pkg/delta"
	"github.com/a6ar55/file-sync/pkg/errs"
)

// Transport moves deltas and chunk bodies to a target replica. A
// failed call is a TransportError unless the implementation reports a
// more specific kind.
type Transport interface {
	// SendDelta announces a new version's delta for a file. Insert ops
	// may arrive without bytes when the sender believes the target
	// already holds the chunk.
	SendDelta(ctx context.Context, targetID, fileID, versionID string, d delta.Delta) error

	// SendChunk ships one chunk body.
	SendChunk(ctx context.Context, targetID string, h chunk.Hash, data []byte) error

	// Commit applies the announced delta on the target and verifies
	// the reconstructed content.
	Commit(ctx context.Context, targetID, fileID, versionID string) error
}

type pendingDelta struct {
	fileID    string
	versionID string
	d         delta.Delta
}

type replicaFile struct {
	content   []byte
	versionID string
}

// Loopback is the in-process Transport used for passive replicas and
// tests: the coordinator performs the authoritative apply and keeps
// the replica's reconstructed content in memory.
type Loopback struct {
	engine *delta.Engine

	mu      sync.Mutex
	files   map[string]map[string]*replicaFile // target -> file -> state
	held    map[string]map[chunk.Hash][]byte   // target -> chunk bodies
	pending map[string]*pendingDelta           // target -> announced delta

	// failWith, when set for a target, makes every call fail. Used to
	// exercise failure paths.
	failWith map[string]error
}

// NewLoopback creates an empty in-process transport.
func NewLoopback(engine *delta.Engine) *Loopback {
	return &Loopback{
		engine:   engine,
		files:    make(map[string]map[string]*replicaFile),
		held:     make(map[string]map[chunk.Hash][]byte),
		pending:  make(map[string]*pendingDelta),
		failWith: make(map[string]error),
	}
}

// FailTarget makes all subsequent calls for the target return err;
// a nil err clears the fault.
func (l *Loopback) FailTarget(targetID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failWith, targetID)
		return
	}
	l.failWith[targetID] = err
}

func (l *Loopback) fault(targetID string) error {
	if err, ok := l.failWith[targetID]; ok {
		return err
	}
	return nil
}

func (l *Loopback) SendDelta(ctx context.Context, targetID, fileID, versionID string, d delta.Delta) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Transport, "loopback.SendDelta", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fault(targetID); err != nil {
		return err
	}
	l.pending[targetID] = &pendingDelta{fileID: fileID, versionID: versionID, d: d}
	return nil
}

func (l *Loopback) SendChunk(ctx context.Context, targetID string, h chunk.Hash, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Transport, "loopback.SendChunk", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fault(targetID); err != nil {
		return err
	}
	if got := chunk.Sum(data); got != h {
		return errs.New(errs.DeltaIntegrity, "loopback.SendChunk",
			"chunk bytes hash to %s, declared %s", got, h)
	}
	held, ok := l.held[targetID]
	if !ok {
		held = make(map[chunk.Hash][]byte)
		l.held[targetID] = held
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	held[h] = cp
	return nil
}

func (l *Loopback) Commit(ctx context.Context, targetID, fileID, versionID string) error {
	const op = "loopback.Commit"

	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Transport, op, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fault(targetID); err != nil {
		return err
	}
	p, ok := l.pending[targetID]
	if !ok || p.fileID != fileID || p.versionID != versionID {
		return errs.New(errs.Transport, op,
			"no announced delta for file %s version %s on %s", fileID, versionID, targetID)
	}

	var base []byte
	files, ok := l.files[targetID]
	if !ok {
		files = make(map[string]*replicaFile)
		l.files[targetID] = files
	}
	if rf, ok := files[fileID]; ok {
		base = rf.content
	}

	held := l.held[targetID]
	content, err := l.engine.Apply(base, p.d, func(h chunk.Hash) ([]byte, error) {
		if data, ok := held[h]; ok {
			return data, nil
		}
		return nil, errs.New(errs.MissingChunk, op, "chunk %s not held by %s", h, targetID)
	})
	if err != nil {
		return err
	}

	files[fileID] = &replicaFile{content: content, versionID: versionID}
	delete(l.pending, targetID)
	return nil
}

// Content returns the replica's current bytes for a file, for
// verification in tests.
func (l *Loopback) Content(targetID, fileID string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rf, ok := l.files[targetID][fileID]; ok {
		cp := make([]byte, len(rf.content))
		copy(cp, rf.content)
		return cp, true
	}
	return nil, false
}

// Holds reports whether the target has the chunk body.
func (l *Loopback) Holds(targetID string, h chunk.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[targetID][h]
	return ok
}
