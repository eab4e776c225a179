package writer

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/model"
)

// PostgresBackend persists the delta and materialized record inside a
// single pgx.Tx, running hook just before commit so that a hook error
// rolls back both writes. Shares the deltas table schema with
// internal/eventlog.PostgresEventLog (call its EnsureSchema once at
// startup) and owns its own materialized_records table.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend wraps an already-connected pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// EnsureSchema creates the materialized_records table if it does not
// exist. Call internal/eventlog.PostgresEventLog.EnsureSchema separately
// for the deltas/snapshots tables this backend also writes to.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	const stmt = `
		CREATE TABLE IF NOT EXISTS materialized_records (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			fields JSONB NOT NULL,
			version BIGINT NOT NULL,
			timestamp BIGINT NOT NULL,
			PRIMARY KEY (collection, id)
		)
	`
	if _, err := b.pool.Exec(ctx, stmt); err != nil {
		return errs.New(errs.KindStorage, "ensure materialized_records schema", err)
	}
	return nil
}

func (b *PostgresBackend) Persist(ctx context.Context, kind model.OutboxEntryKind, collectionName, documentID string, crdtBytes []byte, fields map[string]any, version uint64, hook func() error) (uint64, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, errs.New(errs.KindStorage, "begin write transaction", err)
	}
	defer tx.Rollback(ctx)

	const insertDelta = `
		INSERT INTO deltas (collection, document_id, crdt_bytes, version)
		VALUES ($1, $2, $3, $4)
		RETURNING timestamp
	`
	var timestamp uint64
	row := tx.QueryRow(ctx, insertDelta, collectionName, documentID, crdtBytes, version)
	if err := row.Scan(&timestamp); err != nil {
		return 0, errs.New(errs.KindStorage, "append delta", err)
	}

	if kind == model.KindDelete {
		const deleteRecord = `DELETE FROM materialized_records WHERE collection = $1 AND id = $2`
		if _, err := tx.Exec(ctx, deleteRecord, collectionName, documentID); err != nil {
			return 0, errs.New(errs.KindStorage, "delete materialized record", err)
		}
	} else {
		fieldsJSON, err := json.Marshal(fields)
		if err != nil {
			return 0, errs.New(errs.KindStorage, "marshal materialized fields", err)
		}
		const upsertRecord = `
			INSERT INTO materialized_records (collection, id, fields, version, timestamp)
			VALUES ($1, $2, $3::jsonb, $4, $5)
			ON CONFLICT (collection, id) DO UPDATE SET
				fields = EXCLUDED.fields,
				version = EXCLUDED.version,
				timestamp = EXCLUDED.timestamp
		`
		if _, err := tx.Exec(ctx, upsertRecord, collectionName, documentID, fieldsJSON, version, timestamp); err != nil {
			return 0, errs.New(errs.KindStorage, "upsert materialized record", err)
		}
	}

	if err := hook(); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errs.New(errs.KindStorage, "commit write transaction", err)
	}
	return timestamp, nil
}

func (b *PostgresBackend) GetMaterialized(ctx context.Context, collectionName, documentID string) (model.MaterializedRecord, bool, error) {
	const query = `
		SELECT fields, version, timestamp
		FROM materialized_records
		WHERE collection = $1 AND id = $2
	`
	row := b.pool.QueryRow(ctx, query, collectionName, documentID)
	var rec model.MaterializedRecord
	rec.ID = documentID
	var fieldsJSON []byte
	if err := row.Scan(&fieldsJSON, &rec.Version, &rec.Timestamp); err != nil {
		if err == pgx.ErrNoRows {
			return model.MaterializedRecord{}, false, nil
		}
		return model.MaterializedRecord{}, false, errs.New(errs.KindStorage, "get materialized record", err)
	}
	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return model.MaterializedRecord{}, false, errs.New(errs.KindStorage, "unmarshal materialized fields", err)
	}
	return rec, true, nil
}

var _ Backend = (*PostgresBackend)(nil)
