package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/a6ar55/file-sync/pkg/eventlog"
	"github.com/a6ar55/file-sync/pkg/node"
	"github.com/a6ar55/file-sync/pkg/store"
	"github.com/a6ar55/file-sync/pkg/version"
)

// Persistence is best-effort: the in-memory components stay
// authoritative, and a write failure is logged rather than surfaced to
// the caller.

func (c *Coordinator) persistNode(ctx context.Context, n node.Node) {
	caps, _ := json.Marshal(n.Capabilities)
	var vcText []byte
	if vc, ok := c.clocks.Clock(n.ID); ok {
		vcText, _ = json.Marshal(vc)
	}

	rec := store.NodeRecord{
		ID:           n.ID,
		Name:         n.Name,
		Address:      n.Address,
		Port:         n.Port,
		Status:       string(n.Status),
		Capabilities: string(caps),
		VectorClock:  string(vcText),
		LastSeen:     n.LastSeen,
		CreatedAt:    n.RegisteredAt,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := c.db.SaveNode(ctx, rec); err != nil {
		c.logger.Error("node persist failed", "node_id", n.ID, "err", err)
	}
}

func (c *Coordinator) persistVersion(ctx context.Context, v version.FileVersion, path string) {
	file := store.FileRecord{
		FileID:      v.FileID,
		Path:        path,
		OwnerNode:   v.CreatedBy,
		Size:        v.Size,
		ContentHash: v.ContentHash.Hex(),
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.CreatedAt,
	}
	if err := c.db.SaveFile(ctx, file); err != nil {
		c.logger.Error("file persist failed", "file_id", v.FileID, "err", err)
	}

	parents, _ := json.Marshal(v.ParentIDs)
	vcText, _ := json.Marshal(v.VC)
	rec := store.VersionRecord{
		VersionID:   v.VersionID,
		FileID:      v.FileID,
		ParentIDs:   string(parents),
		VectorClock: string(vcText),
		Size:        v.Size,
		ContentHash: v.ContentHash.Hex(),
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
	}
	refs := make([]store.ChunkRef, 0, len(v.Chunks))
	for _, sig := range v.Chunks {
		refs = append(refs, store.ChunkRef{
			VersionID: v.VersionID,
			Idx:       sig.Index,
			Offset:    sig.Offset,
			Size:      sig.Size,
			Hash:      sig.Hash.Hex(),
		})
	}
	if err := c.db.SaveVersion(ctx, rec, refs); err != nil {
		c.logger.Error("version persist failed", "version_id", v.VersionID, "err", err)
	}

	for _, sig := range v.Chunks {
		cr := store.ChunkRecord{
			Hash: sig.Hash.Hex(),
			Size: sig.Size,
			Refs: c.chunks.Refs(sig.Hash),
		}
		if err := c.db.UpsertChunk(ctx, cr); err != nil {
			c.logger.Error("chunk persist failed", "hash", cr.Hash, "err", err)
		}
	}
}

func (c *Coordinator) persistConflict(ctx context.Context, cf version.Conflict) {
	rec := store.ConflictRecord{
		ConflictID: cf.ConflictID,
		FileID:     cf.FileID,
		VersionA:   cf.VersionA,
		VersionB:   cf.VersionB,
		DetectedAt: cf.DetectedAt,
		Resolved:   cf.Resolved,
		Resolution: cf.Resolution,
	}
	if !cf.ResolvedAt.IsZero() {
		t := cf.ResolvedAt
		rec.ResolvedAt = &t
	}
	if err := c.db.SaveConflict(ctx, rec); err != nil {
		c.logger.Error("conflict persist failed", "conflict_id", cf.ConflictID, "err", err)
	}
}

// persistEvents drains the event log into the durable store until ctx
// is cancelled. The subscription is opened by Start before this
// goroutine is spawned.
func (c *Coordinator) persistEvents(ctx context.Context, sub *eventlog.Subscription) {
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Chan():
			if !ok {
				return
			}
			if err := c.db.SaveEvent(ctx, eventRecord(ev)); err != nil {
				c.logger.Error("event persist failed", "event_id", ev.ID, "err", err)
			}
		}
	}
}

// eventRecord flattens a log event into its persisted shape, lifting
// the node and file IDs out of the payload for indexed queries.
func eventRecord(ev eventlog.Event) store.EventRecord {
	var nodeID, fileID string
	switch p := ev.Payload.(type) {
	case eventlog.NodePayload:
		nodeID = p.NodeID
	case eventlog.FilePayload:
		nodeID = p.OriginID
		fileID = p.FileID
	case eventlog.ProgressPayload:
		nodeID = p.TargetID
		fileID = p.FileID
	case eventlog.SyncResultPayload:
		nodeID = p.TargetID
		fileID = p.FileID
	case eventlog.ConflictPayload:
		fileID = p.FileID
	}

	data, _ := json.Marshal(ev.Payload)
	vcText, _ := json.Marshal(ev.VC)
	return store.EventRecord{
		EventID:     ev.ID,
		Seq:         ev.Seq,
		Type:        string(ev.Type),
		NodeID:      nodeID,
		FileID:      fileID,
		Timestamp:   ev.Timestamp,
		VectorClock: string(vcText),
		Data:        string(data),
		Processed:   true,
	}
}
