// Package coordinator wires the synchronization components into one
// service: node registry, vector clocks, chunk and version stores,
// event log, replication orchestrator, metrics, and the durable
// metadata store. The HTTP layer talks only to this package.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a6ar55/file-sync/pkg/chunk"
	"github.com/a6ar55/file-sync/pkg/clock"
	"github.com/a6ar55/file-sync/pkg/config"
	"github.com/a6ar55/file-sync/pkg/delta"
	"github.com/a6ar55/file-sync/pkg/errs"
	"github.com/a6ar55/file-sync/pkg/eventlog"
	"github.com/a6ar55/file-sync/pkg/log"
	"github.com/a6ar55/file-sync/pkg/metrics"
	"github.com/a6ar55/file-sync/pkg/node"
	"github.com/a6ar55/file-sync/pkg/replication"
	"github.com/a6ar55/file-sync/pkg/store"
	"github.com/a6ar55/file-sync/pkg/version"
)

// rateTickInterval is how often the transfer-rate EWMA advances.
const rateTickInterval = 5 * time.Second

// Coordinator is the composition root. The in-memory components are
// authoritative; the metadata store is a best-effort durable record.
type Coordinator struct {
	cfg      config.Config
	engine   *delta.Engine
	chunks   *chunk.Store
	versions *version.Store
	registry *node.Registry
	clocks   *clock.Manager
	events   *eventlog.Log
	orch     *replication.Orchestrator
	stats    *metrics.Sync
	db       store.Store
	logger   *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a coordinator from its configuration. A nil transport
// gets the in-process loopback; a nil db gets the in-memory store.
func New(cfg config.Config, transport replication.Transport, db store.Store, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Module("coordinator")
	}
	if db == nil {
		db = store.NewMemory()
	}

	engine := delta.NewEngine(cfg.ChunkSize)
	if transport == nil {
		transport = replication.NewLoopback(engine)
	}

	chunks := chunk.NewStore()
	versions := version.NewStore(chunks, logger.Module("version"))
	registry := node.NewRegistry(cfg.NodeOfflineAfter, logger.Module("node"))
	clocks := clock.NewManager()
	events := eventlog.NewLog(cfg.EventLogCapacity, cfg.EventBufferSize)
	stats := metrics.NewSync()

	orch := replication.New(replication.Config{
		ChunkDeadline:        cfg.ChunkDeadline,
		SessionDeadline:      cfg.SessionDeadline,
		MaxSessionsPerTarget: int64(cfg.MaxSessionsPerTarget),
		MaxSessionsTotal:     int64(cfg.MaxSessionsTotal),
	}, engine, transport, versions, registry, clocks, events, stats, logger.Module("replication"))

	c := &Coordinator{
		cfg:      cfg,
		engine:   engine,
		chunks:   chunks,
		versions: versions,
		registry: registry,
		clocks:   clocks,
		events:   events,
		orch:     orch,
		stats:    stats,
		db:       db,
		logger:   logger,
	}

	registry.OnStatusChange(func(n node.Node, from, to node.Status) {
		vc := c.clocks.Tick(n.ID)
		c.events.Append(eventlog.EventNodeStatusChange, vc, eventlog.NodePayload{
			NodeID: n.ID,
			Name:   n.Name,
			Status: string(to),
		})
		c.persistNode(context.Background(), n)
	})
	return c
}

// Start launches the background loops: the offline sweep, the
// transfer-rate ticker, and the event persistence drain. They stop
// when ctx is cancelled or Close is called.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	// Subscribe before returning: subscriptions do not replay, so the
	// drain must be attached before any event the caller emits next.
	sub := c.events.Subscribe()

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.registry.Monitor(ctx, c.cfg.HeartbeatInterval)
	}()
	go func() {
		defer c.wg.Done()
		c.tickRates(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.persistEvents(ctx, sub)
	}()
}

// Close stops replication and live event delivery and waits for the
// background loops. The metadata store is closed by the caller that
// opened it.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.orch.Close()
	c.events.Close()
	c.wg.Wait()
}

func (c *Coordinator) tickRates(ctx context.Context) {
	ticker := time.NewTicker(rateTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.stats.TransferRate.Tick()
		}
	}
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

// RegisterNode adds a node to the fleet (or refreshes it) and seeds
// its vector clock. The returned clock reflects the registration.
func (c *Coordinator) RegisterNode(ctx context.Context, id, name, address string, port int, capabilities []string) (node.Node, clock.VectorClock, error) {
	n, created, err := c.registry.Register(id, name, address, port, capabilities)
	if err != nil {
		return node.Node{}, nil, err
	}

	c.clocks.Register(id)
	var vc clock.VectorClock
	if created {
		vc = c.clocks.Tick(id)
		c.events.Append(eventlog.EventNodeRegistered, vc, eventlog.NodePayload{
			NodeID:  n.ID,
			Name:    n.Name,
			Address: n.Address,
			Status:  string(n.Status),
		})
	} else {
		vc, _ = c.clocks.Clock(id)
	}

	c.persistNode(ctx, n)
	return n, vc, nil
}

// Heartbeat refreshes a node's liveness.
func (c *Coordinator) Heartbeat(ctx context.Context, id string) (node.Node, error) {
	n, err := c.registry.Heartbeat(id)
	if err != nil {
		return node.Node{}, err
	}
	c.persistNode(ctx, n)
	return n, nil
}

// RemoveNode deletes a node and cascades: in-flight sessions toward it
// fail, its replica state and clock are dropped, and the durable
// record is removed.
func (c *Coordinator) RemoveNode(ctx context.Context, id string) (node.Node, error) {
	n, err := c.registry.Remove(id)
	if err != nil {
		return node.Node{}, err
	}

	c.orch.RemoveTarget(id)

	vc := c.clocks.Tick(id)
	c.events.Append(eventlog.EventNodeRemoved, vc, eventlog.NodePayload{
		NodeID: n.ID,
		Name:   n.Name,
	})
	c.clocks.Remove(id)

	if err := c.db.DeleteNode(ctx, id); err != nil {
		c.logger.Error("node record delete failed", "node_id", id, "err", err)
	}
	return n, nil
}

// Nodes lists the fleet.
func (c *Coordinator) Nodes() []node.Node { return c.registry.List() }

// Node returns one fleet member.
func (c *Coordinator) Node(id string) (node.Node, error) { return c.registry.Get(id) }

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// UploadResult is what a successful content submission produces: the
// accepted version, any conflicts it surfaced, and the replication
// sessions opened for it.
type UploadResult struct {
	Version   version.FileVersion `json:"version"`
	Conflicts []version.Conflict  `json:"conflicts,omitempty"`
	Sessions  []string            `json:"session_ids,omitempty"`
}

// Upload accepts full file content from an origin node. An empty
// fileID creates a new file. A non-nil incoming clock is the origin's
// own clock: it must be after or concurrent with every current head,
// and only then is it folded in by the message-receive rule. A nil
// clock means the coordinator ticks on the origin's behalf.
func (c *Coordinator) Upload(ctx context.Context, fileID, path, originID string, content []byte, incoming clock.VectorClock) (UploadResult, error) {
	const op = "coordinator.Upload"

	if _, err := c.registry.Get(originID); err != nil {
		return UploadResult{}, errs.New(errs.InvalidRequest, op, "origin node %s not registered", originID)
	}
	if fileID == "" {
		fileID = uuid.NewString()
	}

	var vc clock.VectorClock
	if incoming != nil {
		if err := c.checkDeclaredClock(op, fileID, incoming); err != nil {
			return UploadResult{}, err
		}
		vc = c.clocks.MergeReceive(originID, incoming)
	} else {
		vc = c.clocks.Tick(originID)
	}
	return c.commitContent(ctx, fileID, path, originID, content, vc)
}

// checkDeclaredClock rejects a submission whose declared clock is at
// or below any current head. The check runs on the clock as the client
// sent it: the merge-receive fold always produces a fresh origin
// entry, so a stale client would otherwise launder its clock into a
// new forward version instead of being rejected.
func (c *Coordinator) checkDeclaredClock(op, fileID string, incoming clock.VectorClock) error {
	heads, err := c.versions.Head(fileID)
	if err != nil {
		// New file: nothing to be stale against.
		return nil
	}
	for _, h := range heads {
		switch clock.Compare(incoming, h.VC) {
		case clock.Before, clock.Equal:
			return errs.New(errs.StaleVersion, op,
				"declared clock %v is not after head %s (%v)", incoming, h.VersionID, h.VC)
		}
	}
	return nil
}

// SubmitDelta accepts a delta against a known base version, applies it
// on the coordinator, and records the result as a new version. The
// delta's base digest must match the named version's signature.
func (c *Coordinator) SubmitDelta(ctx context.Context, fileID, baseVersionID, originID string, d delta.Delta) (UploadResult, error) {
	const op = "coordinator.SubmitDelta"

	if _, err := c.registry.Get(originID); err != nil {
		return UploadResult{}, errs.New(errs.InvalidRequest, op, "origin node %s not registered", originID)
	}

	base, err := c.versions.Get(fileID, baseVersionID)
	if err != nil {
		return UploadResult{}, err
	}
	if delta.SignatureDigest(base.Chunks) != d.BaseDigest {
		return UploadResult{}, errs.New(errs.DeltaIntegrity, op,
			"delta base digest %s does not match version %s", d.BaseDigest, baseVersionID)
	}

	baseContent, err := c.versions.ContentOf(fileID, baseVersionID)
	if err != nil {
		return UploadResult{}, err
	}
	content, err := c.engine.Apply(baseContent, d, c.chunks.Get)
	if err != nil {
		return UploadResult{}, err
	}
	return c.commitContent(ctx, fileID, "", originID, content, c.clocks.Tick(originID))
}

// commitContent runs the shared acceptance path: store the chunks,
// create the version under the given clock, and fan out. Chunk
// references taken for the upload are released once the version store
// holds its own, so refcounts always equal version references.
func (c *Coordinator) commitContent(ctx context.Context, fileID, path, originID string, content []byte, vc clock.VectorClock) (UploadResult, error) {
	sigs := c.engine.Signature(content)
	for _, sig := range sigs {
		c.chunks.Put(content[sig.Offset : sig.Offset+int64(sig.Size)])
	}
	release := func() {
		for _, sig := range sigs {
			c.chunks.Unref(sig.Hash)
		}
	}

	v, conflicts, err := c.versions.CreateVersion(fileID, path, originID, vc, sigs, chunk.Sum(content))
	release()
	if err != nil {
		return UploadResult{}, err
	}
	return c.finishVersion(ctx, v, conflicts, path), nil
}

// finishVersion emits the events for an accepted version, persists it,
// and opens replication sessions.
func (c *Coordinator) finishVersion(ctx context.Context, v version.FileVersion, conflicts []version.Conflict, path string) UploadResult {
	c.events.Append(eventlog.EventFileModified, v.VC, eventlog.FilePayload{
		FileID:    v.FileID,
		Path:      path,
		VersionID: v.VersionID,
		OriginID:  v.CreatedBy,
	})
	for _, cf := range conflicts {
		c.events.Append(eventlog.EventConflictDetected, v.VC, eventlog.ConflictPayload{
			ConflictID: cf.ConflictID,
			FileID:     cf.FileID,
			VersionIDs: []string{cf.VersionA, cf.VersionB},
		})
	}

	c.persistVersion(ctx, v, path)
	for _, cf := range conflicts {
		c.persistConflict(ctx, cf)
	}

	return UploadResult{
		Version:   v,
		Conflicts: conflicts,
		Sessions:  c.orch.Replicate(v),
	}
}

// Restore makes an old version's content the new head. History is not
// rewritten: the restore is an ordinary forward step whose clock
// dominates every current head.
func (c *Coordinator) Restore(ctx context.Context, fileID, versionID, originID string) (UploadResult, error) {
	if _, err := c.registry.Get(originID); err != nil {
		return UploadResult{}, errs.New(errs.InvalidRequest, "coordinator.Restore",
			"origin node %s not registered", originID)
	}

	v, err := c.versions.Restore(fileID, versionID, originID, func(merged clock.VectorClock) clock.VectorClock {
		return c.clocks.MergeReceive(originID, merged)
	})
	if err != nil {
		return UploadResult{}, err
	}
	return c.finishVersion(ctx, v, nil, ""), nil
}

// DeleteFile soft-deletes a file and releases its chunk references.
func (c *Coordinator) DeleteFile(ctx context.Context, fileID, originID string) error {
	if err := c.versions.DeleteFile(fileID); err != nil {
		return err
	}

	vc := c.clocks.Tick(originID)
	c.events.Append(eventlog.EventFileDeleted, vc, eventlog.FilePayload{
		FileID:   fileID,
		OriginID: originID,
	})

	if err := c.db.MarkFileDeleted(ctx, fileID); err != nil {
		c.logger.Error("file delete persist failed", "file_id", fileID, "err", err)
	}
	return nil
}

// Files lists non-deleted files.
func (c *Coordinator) Files() []version.FileSummary { return c.versions.Files() }

// Head returns a file's current head versions, causally sorted.
func (c *Coordinator) Head(fileID string) ([]version.FileVersion, error) {
	return c.versions.Head(fileID)
}

// History returns every version of a file in causal order.
func (c *Coordinator) History(fileID string) ([]version.FileVersion, error) {
	return c.versions.History(fileID)
}

// Version returns one version's metadata.
func (c *Coordinator) Version(fileID, versionID string) (version.FileVersion, error) {
	return c.versions.Get(fileID, versionID)
}

// Content reconstructs the current head's bytes.
func (c *Coordinator) Content(fileID string) ([]byte, version.FileVersion, error) {
	return c.versions.Content(fileID)
}

// ContentOf reconstructs one specific version's bytes.
func (c *Coordinator) ContentOf(fileID, versionID string) ([]byte, error) {
	return c.versions.ContentOf(fileID, versionID)
}

// Diff computes the delta transforming one version's content into
// another's.
func (c *Coordinator) Diff(fileID, fromID, toID string) (delta.Delta, error) {
	return c.versions.Diff(fileID, fromID, toID, c.engine)
}

// ---------------------------------------------------------------------------
// Conflicts
// ---------------------------------------------------------------------------

// Conflicts lists conflict records, oldest first.
func (c *Coordinator) Conflicts(unresolvedOnly bool) []version.Conflict {
	return c.versions.Conflicts(unresolvedOnly)
}

// Conflict returns one conflict record.
func (c *Coordinator) Conflict(conflictID string) (version.Conflict, error) {
	return c.versions.GetConflict(conflictID)
}

// ResolveConflict applies an operator's decision: the winner's content
// becomes a new head superseding both sides, and the resolution is
// replicated like any other version.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID, winnerVersionID, resolvedBy string) (UploadResult, version.Conflict, error) {
	if resolvedBy == "" {
		resolvedBy = "coordinator"
	}

	v, resolved, err := c.versions.ResolveConflict(conflictID, winnerVersionID, resolvedBy,
		func(merged clock.VectorClock) clock.VectorClock {
			return c.clocks.MergeReceive(resolvedBy, merged)
		})
	if err != nil {
		return UploadResult{}, version.Conflict{}, err
	}

	c.events.Append(eventlog.EventConflictResolved, v.VC, eventlog.ConflictPayload{
		ConflictID: resolved.ConflictID,
		FileID:     resolved.FileID,
		WinnerID:   winnerVersionID,
		ResolvedBy: resolvedBy,
	})

	c.persistConflict(ctx, resolved)
	res := c.finishVersionQuiet(ctx, v)
	return res, resolved, nil
}

// finishVersionQuiet persists and replicates a version without a
// file_modified event; used when a more specific event was already
// recorded.
func (c *Coordinator) finishVersionQuiet(ctx context.Context, v version.FileVersion) UploadResult {
	c.persistVersion(ctx, v, "")
	return UploadResult{
		Version:  v,
		Sessions: c.orch.Replicate(v),
	}
}

// ---------------------------------------------------------------------------
// Events, clocks, sessions, metrics
// ---------------------------------------------------------------------------

// Events returns up to limit of the newest events in append order.
func (c *Coordinator) Events(limit int) []eventlog.Event { return c.events.Recent(limit) }

// CausalEvents returns recent events reordered causally.
func (c *Coordinator) CausalEvents(limit int) []eventlog.Event { return c.events.CausalRecent(limit) }

// Subscribe opens a live event subscription.
func (c *Coordinator) Subscribe(types ...eventlog.Type) *eventlog.Subscription {
	return c.events.Subscribe(types...)
}

// VectorClocks snapshots every node's current clock.
func (c *Coordinator) VectorClocks() map[string]clock.VectorClock { return c.clocks.Snapshot() }

// Sessions lists replication sessions in creation order.
func (c *Coordinator) Sessions() []replication.Session { return c.orch.Sessions() }

// Session returns one replication session.
func (c *Coordinator) Session(id string) (replication.Session, error) { return c.orch.Session(id) }

// Replicate re-runs fan-out for a file's causally-latest head, for
// explicit retry after a failed session.
func (c *Coordinator) Replicate(fileID string) ([]string, error) {
	heads, err := c.versions.Head(fileID)
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return nil, errs.New(errs.NotFound, "coordinator.Replicate", "file %s has no versions", fileID)
	}
	return c.orch.Replicate(heads[len(heads)-1]), nil
}

// Overview is the coordinator-wide health and efficiency reading
// served by the metrics endpoint.
type Overview struct {
	NodesTotal       int              `json:"nodes_total"`
	NodesOnline      int              `json:"nodes_online"`
	Files            int              `json:"files"`
	Versions         int              `json:"versions"`
	ConflictsOpen    int              `json:"conflicts_unresolved"`
	SessionsInFlight int              `json:"sessions_in_flight"`
	EventsRetained   int              `json:"events_retained"`
	ChunkStore       chunk.Stats      `json:"chunk_store"`
	Sync             metrics.Snapshot `json:"sync"`
}

// Metrics returns the coordinator-wide overview.
func (c *Coordinator) Metrics() Overview {
	total, online := c.registry.Count()
	vs := c.versions.Stats()
	return Overview{
		NodesTotal:       total,
		NodesOnline:      online,
		Files:            vs.Files,
		Versions:         vs.Versions,
		ConflictsOpen:    vs.Conflicts,
		SessionsInFlight: c.orch.InFlight(),
		EventsRetained:   c.events.Len(),
		ChunkStore:       c.chunks.Stats(),
		Sync:             c.stats.Snapshot(),
	}
}

// DeltaMetrics returns the cumulative delta-efficiency readings.
func (c *Coordinator) DeltaMetrics() metrics.Snapshot { return c.stats.Snapshot() }

// ChunkSize returns the configured delta chunk size.
func (c *Coordinator) ChunkSize() int { return c.engine.ChunkSize() }
