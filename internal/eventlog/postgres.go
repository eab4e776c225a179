package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/model"
)

// PostgresEventLog is the production EventLog implementation, backed by
// two tables: deltas (append-only, one row per CRDT update) and snapshots
// (one row per compaction run).
type PostgresEventLog struct {
	pool *pgxpool.Pool
}

// NewPostgresEventLog wraps an already-connected pool.
func NewPostgresEventLog(pool *pgxpool.Pool) *PostgresEventLog {
	return &PostgresEventLog{pool: pool}
}

// EnsureSchema creates the deltas/snapshots tables and their indexes if
// they do not already exist.
func (p *PostgresEventLog) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SEQUENCE IF NOT EXISTS driftkit_delta_timestamp_seq`,
		`CREATE TABLE IF NOT EXISTS deltas (
			id BIGSERIAL PRIMARY KEY,
			collection TEXT NOT NULL,
			document_id TEXT NOT NULL,
			crdt_bytes BYTEA NOT NULL,
			version BIGINT NOT NULL,
			timestamp BIGINT NOT NULL DEFAULT nextval('driftkit_delta_timestamp_seq')
		)`,
		`CREATE INDEX IF NOT EXISTS deltas_by_collection ON deltas (collection)`,
		`CREATE INDEX IF NOT EXISTS deltas_by_collection_document_version ON deltas (collection, document_id, version)`,
		`CREATE INDEX IF NOT EXISTS deltas_by_timestamp ON deltas (collection, timestamp ASC)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id BIGSERIAL PRIMARY KEY,
			collection TEXT NOT NULL,
			snapshot_bytes BYTEA NOT NULL,
			latest_compaction_timestamp BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS snapshots_by_collection ON snapshots (collection)`,
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return errs.New(errs.KindStorage, "ensure event log schema", err)
		}
	}
	return nil
}

func (p *PostgresEventLog) AppendDelta(ctx context.Context, delta model.Delta) (model.Delta, error) {
	const query = `
		INSERT INTO deltas (collection, document_id, crdt_bytes, version)
		VALUES ($1, $2, $3, $4)
		RETURNING timestamp
	`
	row := p.pool.QueryRow(ctx, query, delta.Collection, delta.DocumentID, delta.CRDTBytes, delta.Version)
	if err := row.Scan(&delta.Timestamp); err != nil {
		return model.Delta{}, errs.New(errs.KindStorage, "append delta", err)
	}
	return delta, nil
}

func (p *PostgresEventLog) Stream(ctx context.Context, collection string, checkpoint uint64, limit int) (model.StreamResponse, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	const pageQuery = `
		SELECT document_id, crdt_bytes, version, timestamp
		FROM deltas
		WHERE collection = $1 AND timestamp > $2
		ORDER BY timestamp ASC
		LIMIT $3
	`
	rows, err := p.pool.Query(ctx, pageQuery, collection, checkpoint, limit)
	if err != nil {
		return model.StreamResponse{}, errs.New(errs.KindStorage, "query delta page", err)
	}

	var changes []model.Change
	var maxTS uint64
	for rows.Next() {
		var c model.Change
		c.Type = model.OpDelta
		if err := rows.Scan(&c.DocumentID, &c.CRDTBytes, &c.Version, &c.Timestamp); err != nil {
			rows.Close()
			return model.StreamResponse{}, errs.New(errs.KindStorage, "scan delta row", err)
		}
		changes = append(changes, c)
		if c.Timestamp > maxTS {
			maxTS = c.Timestamp
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.StreamResponse{}, errs.New(errs.KindStorage, "iterate delta page", err)
	}

	if len(changes) > 0 {
		return model.StreamResponse{
			Changes:    changes,
			Checkpoint: model.Checkpoint{LastModified: maxTS},
			HasMore:    len(changes) == limit,
		}, nil
	}

	oldest, ok, err := p.OldestDelta(ctx, collection)
	if err != nil {
		return model.StreamResponse{}, err
	}
	if !ok || checkpoint >= oldest.Timestamp {
		return model.StreamResponse{Checkpoint: model.Checkpoint{LastModified: checkpoint}}, nil
	}

	snap, ok, err := p.LatestSnapshot(ctx, collection)
	if err != nil {
		return model.StreamResponse{}, err
	}
	if !ok {
		return model.StreamResponse{}, newGapWithoutSnapshotError(collection)
	}
	return model.StreamResponse{
		Changes: []model.Change{{
			Type:      model.OpSnapshot,
			CRDTBytes: snap.SnapshotBytes,
			Timestamp: snap.LatestCompactionTimestamp,
		}},
		Checkpoint: model.Checkpoint{LastModified: snap.LatestCompactionTimestamp},
		HasMore:    false,
	}, nil
}

func (p *PostgresEventLog) GetInitialState(ctx context.Context, collection string) (model.InitialState, bool, error) {
	snap, ok, err := p.LatestSnapshot(ctx, collection)
	if err != nil {
		return model.InitialState{}, false, err
	}
	if ok {
		return model.InitialState{
			CRDTBytes:  snap.SnapshotBytes,
			Checkpoint: model.Checkpoint{LastModified: snap.LatestCompactionTimestamp},
		}, true, nil
	}

	const query = `SELECT crdt_bytes, timestamp FROM deltas WHERE collection = $1 ORDER BY timestamp ASC`
	rows, err := p.pool.Query(ctx, query, collection)
	if err != nil {
		return model.InitialState{}, false, errs.New(errs.KindStorage, "query all deltas", err)
	}
	defer rows.Close()

	var merged []byte
	var maxTS uint64
	found := false
	for rows.Next() {
		var b []byte
		var ts uint64
		if err := rows.Scan(&b, &ts); err != nil {
			return model.InitialState{}, false, errs.New(errs.KindStorage, "scan delta row", err)
		}
		merged = append(merged, b...)
		if ts > maxTS {
			maxTS = ts
		}
		found = true
	}
	if !found {
		return model.InitialState{}, false, nil
	}
	return model.InitialState{CRDTBytes: merged, Checkpoint: model.Checkpoint{LastModified: maxTS}}, true, nil
}

func (p *PostgresEventLog) OldestDelta(ctx context.Context, collection string) (model.Delta, bool, error) {
	const query = `
		SELECT document_id, crdt_bytes, version, timestamp
		FROM deltas
		WHERE collection = $1
		ORDER BY timestamp ASC
		LIMIT 1
	`
	row := p.pool.QueryRow(ctx, query, collection)
	var d model.Delta
	d.Collection = collection
	if err := row.Scan(&d.DocumentID, &d.CRDTBytes, &d.Version, &d.Timestamp); err != nil {
		if err == pgx.ErrNoRows {
			return model.Delta{}, false, nil
		}
		return model.Delta{}, false, errs.New(errs.KindStorage, "get oldest delta", err)
	}
	return d, true, nil
}

func (p *PostgresEventLog) LatestSnapshot(ctx context.Context, collection string) (model.Snapshot, bool, error) {
	const query = `
		SELECT snapshot_bytes, latest_compaction_timestamp, created_at
		FROM snapshots
		WHERE collection = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := p.pool.QueryRow(ctx, query, collection)
	var s model.Snapshot
	s.Collection = collection
	if err := row.Scan(&s.SnapshotBytes, &s.LatestCompactionTimestamp, &s.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return model.Snapshot{}, false, nil
		}
		return model.Snapshot{}, false, errs.New(errs.KindStorage, "get latest snapshot", err)
	}
	return s, true, nil
}

func (p *PostgresEventLog) DeltasOlderThan(ctx context.Context, collection string, cutoff uint64) ([]model.Delta, error) {
	const query = `
		SELECT document_id, crdt_bytes, version, timestamp
		FROM deltas
		WHERE collection = $1 AND timestamp < $2
		ORDER BY timestamp ASC
	`
	rows, err := p.pool.Query(ctx, query, collection, cutoff)
	if err != nil {
		return nil, errs.New(errs.KindStorage, "query deltas older than cutoff", err)
	}
	defer rows.Close()

	var out []model.Delta
	for rows.Next() {
		var d model.Delta
		d.Collection = collection
		if err := rows.Scan(&d.DocumentID, &d.CRDTBytes, &d.Version, &d.Timestamp); err != nil {
			return nil, errs.New(errs.KindStorage, "scan delta row", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ReplaceWithSnapshot inserts snap and deletes the merged deltas in a
// single begin/defer-rollback/commit transaction.
func (p *PostgresEventLog) ReplaceWithSnapshot(ctx context.Context, collection string, snap model.Snapshot, deltaCutoff uint64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs.New(errs.KindStorage, "begin compaction transaction", err)
	}
	defer tx.Rollback(ctx)

	const insertSnapshot = `
		INSERT INTO snapshots (collection, snapshot_bytes, latest_compaction_timestamp, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, insertSnapshot, collection, snap.SnapshotBytes, snap.LatestCompactionTimestamp, snap.CreatedAt); err != nil {
		return errs.New(errs.KindStorage, "insert snapshot", err)
	}

	const deleteDeltas = `DELETE FROM deltas WHERE collection = $1 AND timestamp <= $2`
	if _, err := tx.Exec(ctx, deleteDeltas, collection, deltaCutoff); err != nil {
		return errs.New(errs.KindStorage, "delete compacted deltas", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.New(errs.KindStorage, "commit compaction transaction", err)
	}
	return nil
}

// PruneSnapshots deletes snapshots older than olderThan, keeping at least
// keepMinimum of the most recent ones per collection via a windowed
// ROW_NUMBER() query.
func (p *PostgresEventLog) PruneSnapshots(ctx context.Context, collection string, keepMinimum int, olderThan time.Time) (int, error) {
	const query = `
		DELETE FROM snapshots
		WHERE id IN (
			SELECT id FROM (
				SELECT id, created_at, ROW_NUMBER() OVER (ORDER BY created_at DESC) AS rn
				FROM snapshots
				WHERE collection = $1
			) ranked
			WHERE rn > $2 AND created_at < $3
		)
	`
	tag, err := p.pool.Exec(ctx, query, collection, keepMinimum, olderThan.Unix())
	if err != nil {
		return 0, errs.New(errs.KindStorage, fmt.Sprintf("prune snapshots for collection %q", collection), err)
	}
	return int(tag.RowsAffected()), nil
}

var _ EventLog = (*PostgresEventLog)(nil)
