package coordinator

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/a6ar55/file-sync/pkg/clock"
	"github.com/a6ar55/file-sync/pkg/config"
	"github.com/a6ar55/file-sync/pkg/delta"
	"github.com/a6ar55/file-sync/pkg/errs"
	"github.com/a6ar55/file-sync/pkg/eventlog"
	"github.com/a6ar55/file-sync/pkg/replication"
	"github.com/a6ar55/file-sync/pkg/store"
)

type fixture struct {
	coord     *Coordinator
	transport *replication.Loopback
	db        *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ChunkSize = 64
	cfg.SessionDeadline = 3 * time.Second
	cfg.ChunkDeadline = time.Second

	transport := replication.NewLoopback(delta.NewEngine(cfg.ChunkSize))
	db := store.NewMemory()
	c := New(cfg, transport, db, nil)
	t.Cleanup(c.Close)

	return &fixture{coord: c, transport: transport, db: db}
}

func (f *fixture) register(t *testing.T, id string) {
	t.Helper()
	if _, _, err := f.coord.RegisterNode(context.Background(), id, id, "127.0.0.1", 9000, nil); err != nil {
		t.Fatalf("RegisterNode(%s) error: %v", id, err)
	}
}

func (f *fixture) waitTerminal(t *testing.T, ids []string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		done := true
		for _, id := range ids {
			s, err := f.coord.Session(id)
			if err != nil {
				t.Fatalf("Session(%s) error: %v", id, err)
			}
			if !s.State.Terminal() {
				done = false
			}
		}
		if done {
			return
		}
		select {
		case <-deadline:
			t.Fatal("sessions did not reach a terminal state")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func hasEvent(events []eventlog.Event, typ eventlog.Type) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestUploadCreatesVersionAndReplicates(t *testing.T) {
	f := newFixture(t)
	f.register(t, "n1")
	f.register(t, "n2")

	content := bytes.Repeat([]byte("a"), 192)
	res, err := f.coord.Upload(context.Background(), "f1", "/docs/a.txt", "n1", content, nil)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if res.Version.FileID != "f1" || res.Version.CreatedBy != "n1" {
		t.Errorf("version = %+v, want file f1 created by n1", res.Version)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("Conflicts = %d, want 0", len(res.Conflicts))
	}
	if len(res.Sessions) != 1 {
		t.Fatalf("Sessions = %d, want 1", len(res.Sessions))
	}
	f.waitTerminal(t, res.Sessions)

	got, ok := f.transport.Content("n2", "f1")
	if !ok || !bytes.Equal(got, content) {
		t.Errorf("replica content mismatch: ok=%v len=%d, want %d", ok, len(got), len(content))
	}
	if !hasEvent(f.coord.Events(0), eventlog.EventFileModified) {
		t.Error("file_modified event not recorded")
	}

	files, err := f.db.ListFiles(context.Background())
	if err != nil || len(files) != 1 {
		t.Fatalf("ListFiles = %v, %v, want one record", files, err)
	}
	if files[0].Path != "/docs/a.txt" || files[0].OwnerNode != "n1" {
		t.Errorf("file record = %+v", files[0])
	}
	vers, err := f.db.ListVersions(context.Background(), "f1")
	if err != nil || len(vers) != 1 {
		t.Fatalf("ListVersions = %v, %v, want one record", vers, err)
	}
}

func TestUploadUnknownOriginRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Upload(context.Background(), "f1", "/a", "ghost", []byte("x"), nil)
	if !errs.IsKind(err, errs.InvalidRequest) {
		t.Errorf("Upload error kind = %v, want invalid_request", errs.KindOf(err))
	}
}

func TestUploadStaleDeclaredClockRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "n1")

	res, err := f.coord.Upload(context.Background(), "f1", "/s", "n1", bytes.Repeat([]byte("s"), 64), nil)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	head := res.Version.VC

	stale := []clock.VectorClock{
		{"n1": head["n1"] - 1},
		head.Copy(),
	}
	for _, vc := range stale {
		_, err := f.coord.Upload(context.Background(), "f1", "/s", "n1", []byte("old"), vc)
		if !errs.IsKind(err, errs.StaleVersion) {
			t.Errorf("Upload with declared clock %v error = %v, want StaleVersion", vc, err)
		}
	}

	history, err := f.coord.History("f1")
	if err != nil || len(history) != 1 {
		t.Fatalf("History = %d versions (%v), want the original only", len(history), err)
	}

	fresh := head.Copy().Tick("n1")
	if _, err := f.coord.Upload(context.Background(), "f1", "/s", "n1", bytes.Repeat([]byte("t"), 64), fresh); err != nil {
		t.Errorf("Upload with declared clock %v error = %v, want accepted", fresh, err)
	}
}

func TestSubmitDeltaCreatesNewVersion(t *testing.T) {
	f := newFixture(t)
	f.register(t, "n1")

	base := bytes.Repeat([]byte("b"), 128)
	res, err := f.coord.Upload(context.Background(), "f1", "/b", "n1", base, nil)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}

	target := append(bytes.Repeat([]byte("b"), 64), bytes.Repeat([]byte("c"), 64)...)
	eng := delta.NewEngine(f.coord.ChunkSize())
	d := eng.Build(res.Version.Chunks, target)

	res2, err := f.coord.SubmitDelta(context.Background(), "f1", res.Version.VersionID, "n1", d)
	if err != nil {
		t.Fatalf("SubmitDelta error: %v", err)
	}
	got, err := f.coord.ContentOf("f1", res2.Version.VersionID)
	if err != nil || !bytes.Equal(got, target) {
		t.Errorf("ContentOf = %d bytes, %v, want target content", len(got), err)
	}
	history, err := f.coord.History("f1")
	if err != nil || len(history) != 2 {
		t.Errorf("History = %d versions, %v, want 2", len(history), err)
	}
}

func TestSubmitDeltaWrongBaseDigest(t *testing.T) {
	f := newFixture(t)
	f.register(t, "n1")

	res, err := f.coord.Upload(context.Background(), "f1", "/b", "n1", bytes.Repeat([]byte("b"), 128), nil)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}

	eng := delta.NewEngine(f.coord.ChunkSize())
	d := eng.Build(nil, []byte("unrelated"))
	_, err = f.coord.SubmitDelta(context.Background(), "f1", res.Version.VersionID, "n1", d)
	if !errs.IsKind(err, errs.DeltaIntegrity) {
		t.Errorf("SubmitDelta error kind = %v, want delta_integrity_error", errs.KindOf(err))
	}
}

func TestConcurrentUploadsConflictAndResolve(t *testing.T) {
	f := newFixture(t)
	f.register(t, "n1")
	f.register(t, "n2")
	ctx := context.Background()

	res1, err := f.coord.Upload(ctx, "f1", "/c", "n1", bytes.Repeat([]byte("x"), 64), nil)
	if err != nil {
		t.Fatalf("first Upload error: %v", err)
	}
	f.waitTerminal(t, res1.Sessions)

	// n2 uploads without having observed n1's version, so the clocks
	// are concurrent.
	res2, err := f.coord.Upload(ctx, "f1", "/c", "n2", bytes.Repeat([]byte("y"), 64), nil)
	if err != nil {
		t.Fatalf("second Upload error: %v", err)
	}
	if len(res2.Conflicts) != 1 {
		t.Fatalf("Conflicts = %d, want 1", len(res2.Conflicts))
	}
	heads, err := f.coord.Head("f1")
	if err != nil || len(heads) != 2 {
		t.Fatalf("Head = %d versions, %v, want 2", len(heads), err)
	}
	if !hasEvent(f.coord.Events(0), eventlog.EventConflictDetected) {
		t.Error("conflict_detected event not recorded")
	}

	cf := res2.Conflicts[0]
	rr, resolved, err := f.coord.ResolveConflict(ctx, cf.ConflictID, res2.Version.VersionID, "admin")
	if err != nil {
		t.Fatalf("ResolveConflict error: %v", err)
	}
	if !resolved.Resolved || resolved.Resolution != res2.Version.VersionID {
		t.Errorf("resolved = %+v, want resolution %s", resolved, res2.Version.VersionID)
	}
	heads, err = f.coord.Head("f1")
	if err != nil || len(heads) != 1 {
		t.Fatalf("Head after resolve = %d versions, %v, want 1", len(heads), err)
	}
	if heads[0].VersionID != rr.Version.VersionID {
		t.Errorf("head = %s, want resolution version %s", heads[0].VersionID, rr.Version.VersionID)
	}
	if n := len(f.coord.Conflicts(true)); n != 0 {
		t.Errorf("unresolved conflicts = %d, want 0", n)
	}
	if !hasEvent(f.coord.Events(0), eventlog.EventConflictResolved) {
		t.Error("conflict_resolved event not recorded")
	}
}

func TestRestoreCreatesForwardVersion(t *testing.T) {
	f := newFixture(t)
	f.register(t, "n1")
	ctx := context.Background()

	v1Content := bytes.Repeat([]byte("1"), 64)
	res1, err := f.coord.Upload(ctx, "f1", "/r", "n1", v1Content, nil)
	if err != nil {
		t.Fatalf("Upload v1 error: %v", err)
	}
	if _, err := f.coord.Upload(ctx, "f1", "/r", "n1", bytes.Repeat([]byte("2"), 64), nil); err != nil {
		t.Fatalf("Upload v2 error: %v", err)
	}

	res3, err := f.coord.Restore(ctx, "f1", res1.Version.VersionID, "n1")
	if err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	got, _, err := f.coord.Content("f1")
	if err != nil || !bytes.Equal(got, v1Content) {
		t.Errorf("Content after restore = %d bytes, %v, want v1 content", len(got), err)
	}
	history, err := f.coord.History("f1")
	if err != nil || len(history) != 3 {
		t.Errorf("History = %d versions, %v, want 3", len(history), err)
	}
	heads, err := f.coord.Head("f1")
	if err != nil || len(heads) != 1 || heads[0].VersionID != res3.Version.VersionID {
		t.Errorf("Head after restore = %v, %v", heads, err)
	}
}

func TestRemoveNodeCascades(t *testing.T) {
	f := newFixture(t)
	f.register(t, "n1")
	f.register(t, "n2")
	ctx := context.Background()

	res, err := f.coord.Upload(ctx, "f1", "/d", "n1", bytes.Repeat([]byte("z"), 64), nil)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	f.waitTerminal(t, res.Sessions)

	if _, err := f.coord.RemoveNode(ctx, "n2"); err != nil {
		t.Fatalf("RemoveNode error: %v", err)
	}
	if _, err := f.coord.Node("n2"); !errs.IsKind(err, errs.NotFound) {
		t.Errorf("Node(n2) error kind = %v, want not_found", errs.KindOf(err))
	}
	if _, ok := f.coord.VectorClocks()["n2"]; ok {
		t.Error("removed node still has a vector clock")
	}
	if !hasEvent(f.coord.Events(0), eventlog.EventNodeRemoved) {
		t.Error("node_removed event not recorded")
	}
	if _, err := f.db.GetNode(ctx, "n2"); !errs.IsKind(err, errs.NotFound) {
		t.Errorf("GetNode(n2) error kind = %v, want not_found", errs.KindOf(err))
	}
}

func TestDeleteFile(t *testing.T) {
	f := newFixture(t)
	f.register(t, "n1")
	ctx := context.Background()

	if _, err := f.coord.Upload(ctx, "f1", "/e", "n1", bytes.Repeat([]byte("e"), 64), nil); err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if err := f.coord.DeleteFile(ctx, "f1", "n1"); err != nil {
		t.Fatalf("DeleteFile error: %v", err)
	}
	if files := f.coord.Files(); len(files) != 0 {
		t.Errorf("Files = %d, want 0", len(files))
	}
	if err := f.coord.DeleteFile(ctx, "f1", "n1"); !errs.IsKind(err, errs.NotFound) {
		t.Errorf("second DeleteFile error kind = %v, want not_found", errs.KindOf(err))
	}
	if !hasEvent(f.coord.Events(0), eventlog.EventFileDeleted) {
		t.Error("file_deleted event not recorded")
	}
}

func TestEventPersistenceDrain(t *testing.T) {
	f := newFixture(t)
	f.coord.Start(context.Background())
	f.register(t, "n1")
	f.register(t, "n2")
	ctx := context.Background()

	res, err := f.coord.Upload(ctx, "f1", "/p", "n1", bytes.Repeat([]byte("p"), 64), nil)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	f.waitTerminal(t, res.Sessions)

	deadline := time.After(3 * time.Second)
	for {
		events, err := f.db.RecentEvents(ctx, 0)
		if err != nil {
			t.Fatalf("RecentEvents error: %v", err)
		}
		var modified, completed bool
		for _, ev := range events {
			switch ev.Type {
			case string(eventlog.EventFileModified):
				modified = true
			case string(eventlog.EventSyncCompleted):
				completed = true
			}
		}
		if modified && completed {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("events not persisted: have %d records", len(events))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
