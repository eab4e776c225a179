package collection

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/model"
)

func fieldsToJSONB(fields map[string]any) []byte {
	b, err := json.Marshal(fields)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func jsonbToFields(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errs.New(errs.KindStorage, "unmarshal document version fields", err)
	}
	return fields, nil
}

// VersionEntry is one stored version of a document's materialized fields.
type VersionEntry struct {
	VersionID  uint64
	Collection string
	DocumentID string
	Fields     map[string]any
	CreatedAt  time.Time
}

// VersionStore is the version-history subsystem backing
// VersioningConfig.KeepCount/RetentionDays and the EvalVersion/OnVersion/
// EvalRestore/OnRestore hooks. internal/writer calls SaveVersion after a
// successful write when Hooks.EvalVersion allows it, and a Restore
// operation reads a version back out and replays it as a new write
// through the same writer.
type VersionStore interface {
	SaveVersion(ctx context.Context, collection, documentID string, fields map[string]any) (VersionEntry, error)
	ListVersions(ctx context.Context, collection, documentID string) ([]VersionEntry, error)
	GetVersion(ctx context.Context, collection, documentID string, versionID uint64) (VersionEntry, bool, error)
	Prune(ctx context.Context, collection, documentID string, keepCount int, retentionDays int) (int, error)
}

// MemoryVersionStore is an in-memory VersionStore for tests and the
// memory-backend dev mode.
type MemoryVersionStore struct {
	mu       sync.Mutex
	nextID   uint64
	versions map[string][]VersionEntry // key: collection + "/" + documentID
}

// NewMemoryVersionStore returns an empty MemoryVersionStore.
func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{versions: make(map[string][]VersionEntry)}
}

func versionKey(collection, documentID string) string { return collection + "/" + documentID }

func (m *MemoryVersionStore) SaveVersion(ctx context.Context, collection, documentID string, fields map[string]any) (VersionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	entry := VersionEntry{
		VersionID:  m.nextID,
		Collection: collection,
		DocumentID: documentID,
		Fields:     fields,
		CreatedAt:  time.Now(),
	}
	key := versionKey(collection, documentID)
	m.versions[key] = append(m.versions[key], entry)
	return entry, nil
}

func (m *MemoryVersionStore) ListVersions(ctx context.Context, collection, documentID string) ([]VersionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.versions[versionKey(collection, documentID)]
	out := make([]VersionEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].VersionID > out[j].VersionID })
	return out, nil
}

func (m *MemoryVersionStore) GetVersion(ctx context.Context, collection, documentID string, versionID uint64) (VersionEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.versions[versionKey(collection, documentID)] {
		if e.VersionID == versionID {
			return e, true, nil
		}
	}
	return VersionEntry{}, false, nil
}

func (m *MemoryVersionStore) Prune(ctx context.Context, collection, documentID string, keepCount int, retentionDays int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := versionKey(collection, documentID)
	entries := m.versions[key]
	if len(entries) <= keepCount {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].VersionID > entries[j].VersionID })
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var kept []VersionEntry
	deleted := 0
	for i, e := range entries {
		if i < keepCount || e.CreatedAt.After(cutoff) {
			kept = append(kept, e)
			continue
		}
		deleted++
	}
	m.versions[key] = kept
	return deleted, nil
}

// PostgresVersionStore persists versions to a `document_versions` table,
// following the same pgxpool/wrapped-error conventions as
// internal/eventlog.PostgresEventLog.
type PostgresVersionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresVersionStore wraps an already-connected pool.
func NewPostgresVersionStore(pool *pgxpool.Pool) *PostgresVersionStore {
	return &PostgresVersionStore{pool: pool}
}

// EnsureSchema creates the document_versions table if it does not exist.
func (p *PostgresVersionStore) EnsureSchema(ctx context.Context) error {
	const stmt = `
		CREATE TABLE IF NOT EXISTS document_versions (
			version_id BIGSERIAL PRIMARY KEY,
			collection TEXT NOT NULL,
			document_id TEXT NOT NULL,
			fields JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return errs.New(errs.KindStorage, "ensure document_versions schema", err)
	}
	const idxStmt = `CREATE INDEX IF NOT EXISTS document_versions_by_doc ON document_versions (collection, document_id, version_id DESC)`
	if _, err := p.pool.Exec(ctx, idxStmt); err != nil {
		return errs.New(errs.KindStorage, "ensure document_versions index", err)
	}
	return nil
}

func (p *PostgresVersionStore) SaveVersion(ctx context.Context, collection, documentID string, fields map[string]any) (VersionEntry, error) {
	const query = `
		INSERT INTO document_versions (collection, document_id, fields)
		VALUES ($1, $2, $3::jsonb)
		RETURNING version_id, created_at
	`
	var entry VersionEntry
	entry.Collection = collection
	entry.DocumentID = documentID
	entry.Fields = fields
	row := p.pool.QueryRow(ctx, query, collection, documentID, fieldsToJSONB(fields))
	if err := row.Scan(&entry.VersionID, &entry.CreatedAt); err != nil {
		return VersionEntry{}, errs.New(errs.KindStorage, "save document version", err)
	}
	return entry, nil
}

func (p *PostgresVersionStore) ListVersions(ctx context.Context, collection, documentID string) ([]VersionEntry, error) {
	const query = `
		SELECT version_id, fields, created_at
		FROM document_versions
		WHERE collection = $1 AND document_id = $2
		ORDER BY version_id DESC
	`
	rows, err := p.pool.Query(ctx, query, collection, documentID)
	if err != nil {
		return nil, errs.New(errs.KindStorage, "list document versions", err)
	}
	defer rows.Close()

	var out []VersionEntry
	for rows.Next() {
		var e VersionEntry
		e.Collection = collection
		e.DocumentID = documentID
		var fieldsJSON []byte
		if err := rows.Scan(&e.VersionID, &fieldsJSON, &e.CreatedAt); err != nil {
			return nil, errs.New(errs.KindStorage, "scan document version row", err)
		}
		e.Fields, err = jsonbToFields(fieldsJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *PostgresVersionStore) GetVersion(ctx context.Context, collection, documentID string, versionID uint64) (VersionEntry, bool, error) {
	const query = `
		SELECT fields, created_at
		FROM document_versions
		WHERE collection = $1 AND document_id = $2 AND version_id = $3
	`
	row := p.pool.QueryRow(ctx, query, collection, documentID, versionID)
	e := VersionEntry{VersionID: versionID, Collection: collection, DocumentID: documentID}
	var fieldsJSON []byte
	if err := row.Scan(&fieldsJSON, &e.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return VersionEntry{}, false, nil
		}
		return VersionEntry{}, false, errs.New(errs.KindStorage, "get document version", err)
	}
	fields, err := jsonbToFields(fieldsJSON)
	if err != nil {
		return VersionEntry{}, false, err
	}
	e.Fields = fields
	return e, true, nil
}

func (p *PostgresVersionStore) Prune(ctx context.Context, collection, documentID string, keepCount int, retentionDays int) (int, error) {
	const query = `
		DELETE FROM document_versions
		WHERE version_id IN (
			SELECT version_id FROM (
				SELECT version_id, created_at,
					ROW_NUMBER() OVER (ORDER BY version_id DESC) AS rn
				FROM document_versions
				WHERE collection = $1 AND document_id = $2
			) ranked
			WHERE rn > $3 AND created_at < NOW() - ($4 || ' days')::interval
		)
	`
	tag, err := p.pool.Exec(ctx, query, collection, documentID, keepCount, retentionDays)
	if err != nil {
		return 0, errs.New(errs.KindStorage, "prune document versions", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ VersionStore = (*PostgresVersionStore)(nil)
var _ VersionStore = (*MemoryVersionStore)(nil)

// Restore reconstructs the fields map that record represents, matching
// the MaterializedRecord field shape internal/writer already upserts.
func (e VersionEntry) Restore() model.MaterializedRecord {
	return model.MaterializedRecord{
		ID:        e.DocumentID,
		Fields:    e.Fields,
		Timestamp: uint64(e.CreatedAt.UnixMilli()),
	}
}
