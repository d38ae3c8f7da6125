package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a6ar55/file-sync/pkg/errs"
)

func TestMemoryNodes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveNode(ctx, NodeRecord{ID: "n1", Address: "10.0.0.1", Port: 9000, Status: "online"}))
	require.NoError(t, m.SaveNode(ctx, NodeRecord{ID: "n2", Address: "10.0.0.2", Port: 9001, Status: "online"}))

	n, err := m.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", n.Address)
	assert.False(t, n.CreatedAt.IsZero())

	// Upsert keeps CreatedAt, refreshes the rest.
	created := n.CreatedAt
	require.NoError(t, m.SaveNode(ctx, NodeRecord{ID: "n1", Address: "10.0.0.9", Port: 9000, Status: "offline"}))
	n, err = m.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", n.Address)
	assert.Equal(t, created, n.CreatedAt)

	nodes, err := m.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].ID)

	require.NoError(t, m.DeleteNode(ctx, "n1"))
	err = m.DeleteNode(ctx, "n1")
	assert.True(t, errs.IsKind(err, errs.NotFound))
	_, err = m.GetNode(ctx, "n1")
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestMemoryFiles(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveFile(ctx, FileRecord{FileID: "f1", Path: "docs/a.txt", OwnerNode: "n1", Size: 100}))

	files, err := m.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, files[0].IsDeleted)

	require.NoError(t, m.MarkFileDeleted(ctx, "f1"))
	files, err = m.ListFiles(ctx)
	require.NoError(t, err)
	assert.True(t, files[0].IsDeleted)

	err = m.MarkFileDeleted(ctx, "ghost")
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestMemoryVersionsAndChunks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.SaveVersion(ctx,
		VersionRecord{VersionID: "v2", FileID: "f1", VectorClock: `{"n1":2}`, ContentHash: "h2", CreatedBy: "n1", CreatedAt: base.Add(time.Minute)},
		[]ChunkRef{{VersionID: "v2", Idx: 0, Size: 4096, Hash: "c1"}}))
	require.NoError(t, m.SaveVersion(ctx,
		VersionRecord{VersionID: "v1", FileID: "f1", VectorClock: `{"n1":1}`, ContentHash: "h1", CreatedBy: "n1", CreatedAt: base},
		[]ChunkRef{{VersionID: "v1", Idx: 0, Size: 4096, Hash: "c0"}}))

	versions, err := m.ListVersions(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v1", versions[0].VersionID, "versions sorted by creation time")

	chunks, err := m.VersionChunks(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c0", chunks[0].Hash)

	_, err = m.VersionChunks(ctx, "ghost")
	assert.True(t, errs.IsKind(err, errs.NotFound))

	versions, err = m.ListVersions(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestMemoryEventsMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 1; i <= 5; i++ {
		require.NoError(t, m.SaveEvent(ctx, EventRecord{
			EventID: string(rune('a' + i)),
			Seq:     uint64(i),
			Type:    "file_modified",
			NodeID:  "n1",
		}))
	}

	events, err := m.RecentEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(5), events[0].Seq)
	assert.Equal(t, uint64(3), events[2].Seq)
}

func TestMemoryConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.SaveConflict(ctx, ConflictRecord{
		ConflictID: "c1", FileID: "f1", VersionA: "v1", VersionB: "v2", DetectedAt: base,
	}))
	require.NoError(t, m.SaveConflict(ctx, ConflictRecord{
		ConflictID: "c2", FileID: "f2", VersionA: "v3", VersionB: "v4", DetectedAt: base.Add(time.Minute),
	}))

	all, err := m.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].ConflictID)

	resolved := all[0]
	resolved.Resolved = true
	resolved.Resolution = "v2"
	now := time.Now().UTC()
	resolved.ResolvedAt = &now
	require.NoError(t, m.SaveConflict(ctx, resolved))

	unresolved, err := m.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "c2", unresolved[0].ConflictID)
}

func TestMemoryChunkIndex(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.UpsertChunk(ctx, ChunkRecord{Hash: "h1", Size: 4096, Refs: 2}))
	require.NoError(t, m.UpsertChunk(ctx, ChunkRecord{Hash: "h1", Size: 4096, Refs: 1}))
	require.NoError(t, m.DeleteChunk(ctx, "h1"))
	require.NoError(t, m.DeleteChunk(ctx, "h1")) // idempotent
}
