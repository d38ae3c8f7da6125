package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/a6ar55/file-sync/pkg/chunk"
	"github.com/a6ar55/file-sync/pkg/clock"
	"github.com/a6ar55/file-sync/pkg/delta"
	"github.com/a6ar55/file-sync/pkg/errs"
	"github.com/a6ar55/file-sync/pkg/eventlog"
	"github.com/a6ar55/file-sync/pkg/log"
	"github.com/a6ar55/file-sync/pkg/metrics"
	"github.com/a6ar55/file-sync/pkg/node"
	"github.com/a6ar55/file-sync/pkg/version"
)

// Config bounds session execution.
type Config struct {
	// ChunkDeadline caps one chunk transfer.
	ChunkDeadline time.Duration
	// SessionDeadline caps one whole session.
	SessionDeadline time.Duration
	// MaxSessionsPerTarget caps concurrently running sessions toward
	// one target. Sessions for the same file are always serialized
	// regardless of this cap.
	MaxSessionsPerTarget int64
	// MaxSessionsTotal caps concurrently running sessions across all
	// targets.
	MaxSessionsTotal int64
}

// progress milestones emitted as byte-transfer thresholds are crossed.
var milestones = []int{25, 50, 75}

// peerState is what the orchestrator remembers about a replica: the
// last signature it acknowledged per file and the chunks it holds.
// Chunks survive failed sessions, so re-replication reuses them.
type peerState struct {
	lastSig map[string][]delta.ChunkSignature
	held    map[chunk.Hash]struct{}
}

// Orchestrator fans out versions to online peers. One worker per
// (target, file) pair serializes successive versions of a file toward
// a target; weighted semaphores cap per-target and total parallelism.
type Orchestrator struct {
	cfg       Config
	engine    *delta.Engine
	transport Transport
	versions  *version.Store
	registry  *node.Registry
	clocks    *clock.Manager
	events    *eventlog.Log
	stats     *metrics.Sync
	logger    *log.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	workers  map[string]map[string]*targetWorker // target -> file -> worker
	tsems    map[string]*semaphore.Weighted      // target -> per-target cap
	peers    map[string]*peerState
	closed   bool
}

// New creates an orchestrator and hooks it into the registry's status
// transitions so sessions targeting a node that goes offline fail
// promptly.
func New(cfg Config, engine *delta.Engine, transport Transport, versions *version.Store,
	registry *node.Registry, clocks *clock.Manager, events *eventlog.Log,
	stats *metrics.Sync, logger *log.Logger) *Orchestrator {

	if cfg.MaxSessionsPerTarget <= 0 {
		cfg.MaxSessionsPerTarget = 1
	}
	if cfg.MaxSessionsTotal <= 0 {
		cfg.MaxSessionsTotal = 16
	}
	if cfg.SessionDeadline <= 0 {
		cfg.SessionDeadline = 5 * time.Minute
	}
	if cfg.ChunkDeadline <= 0 {
		cfg.ChunkDeadline = 30 * time.Second
	}
	if logger == nil {
		logger = log.Module("replication")
	}

	o := &Orchestrator{
		cfg:       cfg,
		engine:    engine,
		transport: transport,
		versions:  versions,
		registry:  registry,
		clocks:    clocks,
		events:    events,
		stats:     stats,
		logger:    logger,
		sem:       semaphore.NewWeighted(cfg.MaxSessionsTotal),
		sessions:  make(map[string]*Session),
		workers:   make(map[string]map[string]*targetWorker),
		tsems:     make(map[string]*semaphore.Weighted),
		peers:     make(map[string]*peerState),
	}

	registry.OnStatusChange(func(n node.Node, _, to node.Status) {
		if to == node.StatusOffline {
			o.cancelActive(n.ID)
		}
	})
	return o
}

// Replicate opens one session per online peer other than the
// originator and returns the session IDs. Sessions queue behind any
// session already running toward the same target.
func (o *Orchestrator) Replicate(v version.FileVersion) []string {
	targets := o.registry.Online()

	var ids []string
	for _, t := range targets {
		if t.ID == v.CreatedBy {
			continue
		}
		s := &Session{
			ID:        uuid.NewString(),
			FileID:    v.FileID,
			VersionID: v.VersionID,
			SourceID:  v.CreatedBy,
			TargetID:  t.ID,
			State:     StatePending,
			CreatedAt: time.Now().UTC(),
		}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			break
		}
		o.sessions[s.ID] = s
		o.order = append(o.order, s.ID)
		w := o.workerLocked(t.ID, v.FileID)
		o.mu.Unlock()

		o.emitProgress(s, 0)
		w.enqueue(s)
		ids = append(ids, s.ID)
	}
	return ids
}

// Session returns a snapshot of one session.
func (o *Orchestrator) Session(id string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[id]
	if !ok {
		return Session{}, errs.New(errs.NotFound, "replication.Session", "session %s not found", id)
	}
	return *s, nil
}

// Sessions returns snapshots of all sessions in creation order.
func (o *Orchestrator) Sessions() []Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Session, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, *o.sessions[id])
	}
	return out
}

// InFlight counts sessions not yet in a terminal state.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, s := range o.sessions {
		if !s.State.Terminal() {
			n++
		}
	}
	return n
}

// RemoveTarget cancels the target's active sessions, fails everything
// queued for it, and forgets its replica state. Called on node
// removal.
func (o *Orchestrator) RemoveTarget(targetID string) {
	o.mu.Lock()
	var ws []*targetWorker
	for _, w := range o.workers[targetID] {
		ws = append(ws, w)
	}
	delete(o.workers, targetID)
	delete(o.tsems, targetID)
	delete(o.peers, targetID)
	o.mu.Unlock()

	for _, w := range ws {
		w.shutdown()
	}
}

// Close stops all workers. Pending sessions fail.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	var workers []*targetWorker
	for _, byFile := range o.workers {
		for _, w := range byFile {
			workers = append(workers, w)
		}
	}
	o.workers = make(map[string]map[string]*targetWorker)
	o.mu.Unlock()

	for _, w := range workers {
		w.shutdown()
	}
}

// workerLocked requires o.mu.
func (o *Orchestrator) workerLocked(targetID, fileID string) *targetWorker {
	byFile, ok := o.workers[targetID]
	if !ok {
		byFile = make(map[string]*targetWorker)
		o.workers[targetID] = byFile
		o.tsems[targetID] = semaphore.NewWeighted(o.cfg.MaxSessionsPerTarget)
	}
	w, ok := byFile[fileID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		w = &targetWorker{
			o:        o,
			targetID: targetID,
			fileID:   fileID,
			tsem:     o.tsems[targetID],
			ctx:      ctx,
			cancel:   cancel,
			wake:     make(chan struct{}, 1),
			done:     make(chan struct{}),
		}
		byFile[fileID] = w
		go w.run()
	}
	return w
}

func (o *Orchestrator) peer(targetID string) *peerState {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.peers[targetID]
	if !ok {
		p = &peerState{
			lastSig: make(map[string][]delta.ChunkSignature),
			held:    make(map[chunk.Hash]struct{}),
		}
		o.peers[targetID] = p
	}
	return p
}

// cancelActive aborts the target's in-flight sessions, if any.
func (o *Orchestrator) cancelActive(targetID string) {
	o.mu.Lock()
	var ws []*targetWorker
	for _, w := range o.workers[targetID] {
		ws = append(ws, w)
	}
	o.mu.Unlock()

	for _, w := range ws {
		w.abortActive()
	}
}

// runSession executes one session end to end. ctx is the worker's
// lifetime context.
func (o *Orchestrator) runSession(ctx context.Context, w *targetWorker, s *Session) {
	target, err := o.registry.Get(s.TargetID)
	if err != nil {
		o.failSession(s, errs.Wrap(errs.TargetOffline, "replication", err), false)
		return
	}
	if target.Status != node.StatusOnline {
		o.failSession(s, errs.New(errs.TargetOffline, "replication",
			"target %s is offline", s.TargetID), false)
		return
	}

	o.mu.Lock()
	s.State = StateInProgress
	s.StartedAt = time.Now().UTC()
	o.mu.Unlock()
	o.stats.SessionStarted()

	sctx, cancel := context.WithTimeout(ctx, o.cfg.SessionDeadline)
	defer cancel()
	w.setAbort(cancel)
	defer w.setAbort(nil)

	o.logger.Info("session started",
		"session_id", s.ID, "file_id", s.FileID, "version_id", s.VersionID, "target", s.TargetID)

	content, err := o.versions.ContentOf(s.FileID, s.VersionID)
	if err != nil {
		o.failSession(s, err, true)
		return
	}

	peer := o.peer(s.TargetID)
	o.mu.Lock()
	base := peer.lastSig[s.FileID]
	o.mu.Unlock()

	d := o.engine.Build(base, content)
	m := delta.ComputeMetrics(d)
	o.mu.Lock()
	s.Metrics = m
	o.mu.Unlock()

	// The wire delta never carries bodies; missing chunks follow as
	// individual transfers so each gets its own deadline.
	type outChunk struct {
		hash chunk.Hash
		data []byte
	}
	var missing []outChunk
	var totalBytes int64
	o.mu.Lock()
	for _, op := range d.Ops {
		if op.Kind != delta.OpInsert {
			continue
		}
		if _, ok := peer.held[op.Hash]; !ok {
			missing = append(missing, outChunk{hash: op.Hash, data: op.Data})
			totalBytes += op.Size
		}
	}
	o.mu.Unlock()

	wire := d.StripKnown(func(chunk.Hash) bool { return true })
	if err := o.transport.SendDelta(sctx, s.TargetID, s.FileID, s.VersionID, wire); err != nil {
		o.failSession(s, o.classify(s, err), true)
		return
	}

	var sentBytes int64
	for _, c := range missing {
		cctx, ccancel := context.WithTimeout(sctx, o.cfg.ChunkDeadline)
		err := o.transport.SendChunk(cctx, s.TargetID, c.hash, c.data)
		ccancel()
		if err != nil {
			o.failSession(s, o.classify(s, err), true)
			return
		}
		sentBytes += int64(len(c.data))

		o.mu.Lock()
		peer.held[c.hash] = struct{}{}
		o.mu.Unlock()

		if totalBytes > 0 {
			o.advanceProgress(s, int(sentBytes*100/totalBytes))
		}
	}

	if err := o.transport.Commit(sctx, s.TargetID, s.FileID, s.VersionID); err != nil {
		o.failSession(s, o.classify(s, err), true)
		return
	}

	sigs := o.engine.Signature(content)
	o.mu.Lock()
	peer.lastSig[s.FileID] = sigs
	for _, sig := range sigs {
		peer.held[sig.Hash] = struct{}{}
	}
	s.Progress = 100
	s.State = StateCompleted
	s.FinishedAt = time.Now().UTC()
	o.mu.Unlock()

	o.emitProgress(s, 100)
	o.stats.SessionFinished(true)
	o.stats.RecordDelta(m.BytesTransferred, m.BytesSaved, m.CompressionRatio)

	vc := o.clocks.Tick(s.SourceID)
	o.events.Append(eventlog.EventSyncCompleted, vc, eventlog.SyncResultPayload{
		SessionID:        s.ID,
		FileID:           s.FileID,
		TargetID:         s.TargetID,
		BytesTransferred: m.BytesTransferred,
		BytesSaved:       m.BytesSaved,
	})
	o.logger.Info("session completed",
		"session_id", s.ID, "target", s.TargetID,
		"bytes_transferred", m.BytesTransferred, "bytes_saved", m.BytesSaved)
}

// classify maps a transfer error onto the session taxonomy: deadline
// overruns become SessionTimeout, cancellation against an offline
// target becomes TargetOffline, anything unkinded is a transport
// failure.
func (o *Orchestrator) classify(s *Session, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.SessionTimeout, "replication", err)
	case errors.Is(err, context.Canceled):
		if n, nerr := o.registry.Get(s.TargetID); nerr != nil || n.Status == node.StatusOffline {
			return errs.Wrap(errs.TargetOffline, "replication", err)
		}
		return errs.Wrap(errs.Transport, "replication", err)
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Wrap(errs.Transport, "replication", err)
}

// failSession moves a session to Failed and emits sync_error. started
// tells whether SessionStarted was recorded.
func (o *Orchestrator) failSession(s *Session, err error, started bool) {
	o.mu.Lock()
	if s.State.Terminal() {
		o.mu.Unlock()
		return
	}
	s.State = StateFailed
	s.Error = err.Error()
	s.FinishedAt = time.Now().UTC()
	o.mu.Unlock()

	if started {
		o.stats.SessionFinished(false)
	} else {
		o.stats.SessionsFailed.Inc()
	}

	vc := o.clocks.Tick(s.SourceID)
	o.events.Append(eventlog.EventSyncError, vc, eventlog.SyncResultPayload{
		SessionID: s.ID,
		FileID:    s.FileID,
		TargetID:  s.TargetID,
		Error:     err.Error(),
	})
	o.logger.Warn("session failed",
		"session_id", s.ID, "target", s.TargetID, "kind", errs.KindOf(err), "err", err)
}

// advanceProgress records quantized monotonic progress, emitting each
// milestone exactly once.
func (o *Orchestrator) advanceProgress(s *Session, pct int) {
	var emit []int
	o.mu.Lock()
	for _, m := range milestones {
		if s.Progress < m && pct >= m {
			s.Progress = m
			emit = append(emit, m)
		}
	}
	o.mu.Unlock()

	for _, m := range emit {
		o.emitProgress(s, m)
	}
}

func (o *Orchestrator) emitProgress(s *Session, pct int) {
	vc := o.clocks.Tick(s.SourceID)
	o.events.Append(eventlog.EventSyncProgress, vc, eventlog.ProgressPayload{
		SessionID: s.ID,
		FileID:    s.FileID,
		TargetID:  s.TargetID,
		Percent:   pct,
	})
}

// targetWorker serializes sessions for one file toward one target.
type targetWorker struct {
	o        *Orchestrator
	targetID string
	fileID   string
	tsem     *semaphore.Weighted
	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	done     chan struct{}

	mu    sync.Mutex
	queue []*Session
	abort context.CancelFunc
}

func (w *targetWorker) enqueue(s *Session) {
	w.mu.Lock()
	w.queue = append(w.queue, s)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *targetWorker) pop() *Session {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return nil
	}
	s := w.queue[0]
	w.queue = w.queue[1:]
	return s
}

func (w *targetWorker) setAbort(cancel context.CancelFunc) {
	w.mu.Lock()
	w.abort = cancel
	w.mu.Unlock()
}

// abortActive cancels the session currently running toward this
// target, if any.
func (w *targetWorker) abortActive() {
	w.mu.Lock()
	cancel := w.abort
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// shutdown stops the worker and fails whatever is still queued.
func (w *targetWorker) shutdown() {
	w.cancel()
	w.abortActive()
	<-w.done
}

func (w *targetWorker) run() {
	defer close(w.done)
	defer w.drain()

	for {
		s := w.pop()
		if s == nil {
			select {
			case <-w.ctx.Done():
				return
			case <-w.wake:
				continue
			}
		}

		if err := w.tsem.Acquire(w.ctx, 1); err != nil {
			w.o.failSession(s, errs.New(errs.TargetOffline, "replication",
				"target %s withdrawn", w.targetID), false)
			return
		}
		if err := w.o.sem.Acquire(w.ctx, 1); err != nil {
			w.tsem.Release(1)
			w.o.failSession(s, errs.New(errs.TargetOffline, "replication",
				"target %s withdrawn", w.targetID), false)
			return
		}
		w.o.runSession(w.ctx, w, s)
		w.o.sem.Release(1)
		w.tsem.Release(1)
	}
}

// drain fails queued sessions after shutdown.
func (w *targetWorker) drain() {
	for {
		s := w.pop()
		if s == nil {
			return
		}
		w.o.failSession(s, errs.New(errs.TargetOffline, "replication",
			"target %s withdrawn", w.targetID), false)
	}
}
