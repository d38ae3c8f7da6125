package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/a6ar55/file-sync/pkg/errs"
	"github.com/a6ar55/file-sync/pkg/log"
)

// schema owns uniqueness of (file_id, version_id) and the foreign-key
// cascades that make node removal propagate to events and conflicts.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id       TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	address       TEXT NOT NULL,
	port          INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'offline',
	capabilities  TEXT NOT NULL DEFAULT '[]',
	vector_clock  TEXT NOT NULL DEFAULT '{}',
	last_seen     TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS files (
	file_id       TEXT PRIMARY KEY,
	path          TEXT NOT NULL,
	owner_node    TEXT NOT NULL,
	size          BIGINT NOT NULL DEFAULT 0,
	content_hash  TEXT NOT NULL DEFAULT '',
	is_deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS file_versions (
	version_id    TEXT PRIMARY KEY,
	file_id       TEXT NOT NULL REFERENCES files(file_id) ON DELETE CASCADE,
	parent_ids    TEXT NOT NULL DEFAULT '[]',
	vector_clock  TEXT NOT NULL,
	size          BIGINT NOT NULL DEFAULT 0,
	content_hash  TEXT NOT NULL,
	created_by    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (file_id, version_id)
);

CREATE TABLE IF NOT EXISTS version_chunks (
	version_id    TEXT NOT NULL REFERENCES file_versions(version_id) ON DELETE CASCADE,
	idx           INTEGER NOT NULL,
	chunk_offset  BIGINT NOT NULL,
	size          INTEGER NOT NULL,
	hash          TEXT NOT NULL,
	PRIMARY KEY (version_id, idx)
);

CREATE TABLE IF NOT EXISTS chunks_index (
	hash  TEXT PRIMARY KEY,
	size  INTEGER NOT NULL DEFAULT 0,
	refs  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	event_id      TEXT PRIMARY KEY,
	seq           BIGINT NOT NULL,
	event_type    TEXT NOT NULL,
	node_id       TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
	file_id       TEXT NOT NULL DEFAULT '',
	timestamp     TIMESTAMPTZ NOT NULL DEFAULT now(),
	vector_clock  TEXT NOT NULL,
	data          TEXT NOT NULL DEFAULT '{}',
	processed     BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS conflicts (
	conflict_id  TEXT PRIMARY KEY,
	file_id      TEXT NOT NULL REFERENCES files(file_id) ON DELETE CASCADE,
	version_a    TEXT NOT NULL,
	version_b    TEXT NOT NULL,
	detected_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_resolved  BOOLEAN NOT NULL DEFAULT FALSE,
	resolution   TEXT NOT NULL DEFAULT '',
	resolved_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes (status);
CREATE INDEX IF NOT EXISTS idx_versions_file_id ON file_versions (file_id);
CREATE INDEX IF NOT EXISTS idx_chunks_hash ON version_chunks (hash);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);
CREATE INDEX IF NOT EXISTS idx_events_file_id ON events (file_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_file_id ON conflicts (file_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_is_resolved ON conflicts (is_resolved);
`

// Postgres is the sqlx-backed production Store.
type Postgres struct {
	db     *sqlx.DB
	logger *log.Logger
}

// OpenPostgres connects, verifies the connection, and applies the
// schema.
func OpenPostgres(ctx context.Context, dsn string, logger *log.Logger) (*Postgres, error) {
	if logger == nil {
		logger = log.Module("store")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "store.OpenPostgres", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Internal, "store.OpenPostgres", err)
	}
	logger.Info("metadata store ready")
	return &Postgres{db: db, logger: logger}, nil
}

func (p *Postgres) SaveNode(ctx context.Context, n NodeRecord) error {
	const q = `
		INSERT INTO nodes (node_id, name, address, port, status, capabilities, vector_clock, last_seen)
		VALUES (:node_id, :name, :address, :port, :status, :capabilities, :vector_clock, :last_seen)
		ON CONFLICT (node_id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			port = EXCLUDED.port,
			status = EXCLUDED.status,
			capabilities = EXCLUDED.capabilities,
			vector_clock = EXCLUDED.vector_clock,
			last_seen = EXCLUDED.last_seen,
			updated_at = now()`
	_, err := p.db.NamedExecContext(ctx, q, n)
	return wrapDB("store.SaveNode", err)
}

func (p *Postgres) DeleteNode(ctx context.Context, nodeID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM nodes WHERE node_id = $1`, nodeID)
	if err != nil {
		return wrapDB("store.DeleteNode", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "store.DeleteNode", "node %s not found", nodeID)
	}
	return nil
}

func (p *Postgres) GetNode(ctx context.Context, nodeID string) (NodeRecord, error) {
	var n NodeRecord
	err := p.db.GetContext(ctx, &n, `SELECT * FROM nodes WHERE node_id = $1`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return NodeRecord{}, errs.New(errs.NotFound, "store.GetNode", "node %s not found", nodeID)
	}
	return n, wrapDB("store.GetNode", err)
}

func (p *Postgres) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	var out []NodeRecord
	err := p.db.SelectContext(ctx, &out, `SELECT * FROM nodes ORDER BY node_id`)
	return out, wrapDB("store.ListNodes", err)
}

func (p *Postgres) SaveFile(ctx context.Context, f FileRecord) error {
	const q = `
		INSERT INTO files (file_id, path, owner_node, size, content_hash, is_deleted)
		VALUES (:file_id, :path, :owner_node, :size, :content_hash, :is_deleted)
		ON CONFLICT (file_id) DO UPDATE SET
			path = EXCLUDED.path,
			size = EXCLUDED.size,
			content_hash = EXCLUDED.content_hash,
			is_deleted = EXCLUDED.is_deleted,
			updated_at = now()`
	_, err := p.db.NamedExecContext(ctx, q, f)
	return wrapDB("store.SaveFile", err)
}

func (p *Postgres) MarkFileDeleted(ctx context.Context, fileID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE files SET is_deleted = TRUE, updated_at = now() WHERE file_id = $1`, fileID)
	if err != nil {
		return wrapDB("store.MarkFileDeleted", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "store.MarkFileDeleted", "file %s not found", fileID)
	}
	return nil
}

func (p *Postgres) ListFiles(ctx context.Context) ([]FileRecord, error) {
	var out []FileRecord
	err := p.db.SelectContext(ctx, &out, `SELECT * FROM files ORDER BY file_id`)
	return out, wrapDB("store.ListFiles", err)
}

func (p *Postgres) SaveVersion(ctx context.Context, v VersionRecord, chunks []ChunkRef) error {
	const op = "store.SaveVersion"

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapDB(op, err)
	}
	defer tx.Rollback()

	const vq = `
		INSERT INTO file_versions (version_id, file_id, parent_ids, vector_clock, size, content_hash, created_by, created_at)
		VALUES (:version_id, :file_id, :parent_ids, :vector_clock, :size, :content_hash, :created_by, :created_at)
		ON CONFLICT (version_id) DO NOTHING`
	if _, err := tx.NamedExecContext(ctx, vq, v); err != nil {
		return wrapDB(op, err)
	}

	const cq = `
		INSERT INTO version_chunks (version_id, idx, chunk_offset, size, hash)
		VALUES (:version_id, :idx, :chunk_offset, :size, :hash)
		ON CONFLICT (version_id, idx) DO NOTHING`
	for _, c := range chunks {
		if _, err := tx.NamedExecContext(ctx, cq, c); err != nil {
			return wrapDB(op, err)
		}
	}
	return wrapDB(op, tx.Commit())
}

func (p *Postgres) ListVersions(ctx context.Context, fileID string) ([]VersionRecord, error) {
	var out []VersionRecord
	err := p.db.SelectContext(ctx, &out,
		`SELECT * FROM file_versions WHERE file_id = $1 ORDER BY created_at, version_id`, fileID)
	return out, wrapDB("store.ListVersions", err)
}

func (p *Postgres) VersionChunks(ctx context.Context, versionID string) ([]ChunkRef, error) {
	var out []ChunkRef
	err := p.db.SelectContext(ctx, &out,
		`SELECT * FROM version_chunks WHERE version_id = $1 ORDER BY idx`, versionID)
	if err == nil && len(out) == 0 {
		return nil, errs.New(errs.NotFound, "store.VersionChunks", "version %s not found", versionID)
	}
	return out, wrapDB("store.VersionChunks", err)
}

func (p *Postgres) UpsertChunk(ctx context.Context, c ChunkRecord) error {
	const q = `
		INSERT INTO chunks_index (hash, size, refs)
		VALUES (:hash, :size, :refs)
		ON CONFLICT (hash) DO UPDATE SET refs = EXCLUDED.refs`
	_, err := p.db.NamedExecContext(ctx, q, c)
	return wrapDB("store.UpsertChunk", err)
}

func (p *Postgres) DeleteChunk(ctx context.Context, hash string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM chunks_index WHERE hash = $1`, hash)
	return wrapDB("store.DeleteChunk", err)
}

func (p *Postgres) SaveEvent(ctx context.Context, e EventRecord) error {
	const q = `
		INSERT INTO events (event_id, seq, event_type, node_id, file_id, timestamp, vector_clock, data, processed)
		VALUES (:event_id, :seq, :event_type, :node_id, :file_id, :timestamp, :vector_clock, :data, :processed)
		ON CONFLICT (event_id) DO NOTHING`
	_, err := p.db.NamedExecContext(ctx, q, e)
	return wrapDB("store.SaveEvent", err)
}

func (p *Postgres) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []EventRecord
	err := p.db.SelectContext(ctx, &out,
		`SELECT * FROM events ORDER BY seq DESC LIMIT $1`, limit)
	return out, wrapDB("store.RecentEvents", err)
}

func (p *Postgres) SaveConflict(ctx context.Context, c ConflictRecord) error {
	const q = `
		INSERT INTO conflicts (conflict_id, file_id, version_a, version_b, detected_at, is_resolved, resolution, resolved_at)
		VALUES (:conflict_id, :file_id, :version_a, :version_b, :detected_at, :is_resolved, :resolution, :resolved_at)
		ON CONFLICT (conflict_id) DO UPDATE SET
			is_resolved = EXCLUDED.is_resolved,
			resolution = EXCLUDED.resolution,
			resolved_at = EXCLUDED.resolved_at`
	_, err := p.db.NamedExecContext(ctx, q, c)
	return wrapDB("store.SaveConflict", err)
}

func (p *Postgres) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]ConflictRecord, error) {
	q := `SELECT * FROM conflicts ORDER BY detected_at, conflict_id`
	if unresolvedOnly {
		q = `SELECT * FROM conflicts WHERE is_resolved = FALSE ORDER BY detected_at, conflict_id`
	}
	var out []ConflictRecord
	err := p.db.SelectContext(ctx, &out, q)
	return out, wrapDB("store.ListConflicts", err)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func wrapDB(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.Internal, op, err)
}
