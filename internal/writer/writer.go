// Package writer implements the dual-storage writer: the single
// server-side transaction that appends a delta to the event log, upserts
// a collection's materialized read record, and runs the collection's
// optional lifecycle hooks, in a pool.Begin → defer tx.Rollback →
// tx.Exec* → tx.Commit shape.
package writer

import (
	"context"
	"fmt"

	"github.com/driftkit/driftkit/internal/collection"
	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/model"
)

// Backend is the storage-specific half of a write: persisting the delta
// and materialized record atomically, running hook inside the same
// transaction before commit so a hook failure rolls back the whole
// write.
type Backend interface {
	Persist(ctx context.Context, kind model.OutboxEntryKind, collection, documentID string, crdtBytes []byte, fields map[string]any, version uint64, hook func() error) (timestamp uint64, err error)
	GetMaterialized(ctx context.Context, collection, documentID string) (model.MaterializedRecord, bool, error)
}

// Writer runs the Dual-Storage Writer algorithm against a Backend plus a
// collection.Registry for per-collection config and hooks.
type Writer struct {
	backend  Backend
	registry *collection.Registry
	versions collection.VersionStore // optional; nil disables the versioning supplement
}

// New constructs a Writer. versions may be nil.
func New(backend Backend, registry *collection.Registry, versions collection.VersionStore) *Writer {
	return &Writer{backend: backend, registry: registry, versions: versions}
}

func (w *Writer) config(name string) (*collection.Config, error) {
	cfg, ok := w.registry.Get(name)
	if !ok {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("unknown collection %q", name), nil)
	}
	return cfg, nil
}

// Insert persists an insert through the dual-storage write path.
func (w *Writer) Insert(ctx context.Context, collectionName, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error) {
	return w.write(ctx, model.KindInsert, collectionName, documentID, crdtBytes, materializedDoc, version, schemaVersion)
}

// Update persists an update through the dual-storage write path.
func (w *Writer) Update(ctx context.Context, collectionName, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error) {
	return w.write(ctx, model.KindUpdate, collectionName, documentID, crdtBytes, materializedDoc, version, schemaVersion)
}

// Delete persists a delete through the dual-storage write path.
// materializedDoc may carry tombstone metadata a collection's transform
// wants recorded; most callers pass nil.
func (w *Writer) Delete(ctx context.Context, collectionName, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error) {
	return w.write(ctx, model.KindDelete, collectionName, documentID, crdtBytes, materializedDoc, version, schemaVersion)
}

func (w *Writer) write(ctx context.Context, kind model.OutboxEntryKind, collectionName, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error) {
	cfg, err := w.config(collectionName)
	if err != nil {
		return nil, err
	}

	fields, err := w.migrate(cfg, materializedDoc, schemaVersion)
	if err != nil {
		return nil, err
	}
	if cfg.Hooks.Transform != nil {
		fields = cfg.Hooks.Transform(fields)
	}

	var hookErr error
	hook := func() error {
		switch kind {
		case model.KindInsert:
			if cfg.Hooks.OnInsert != nil {
				hookErr = cfg.Hooks.OnInsert(documentID, fields)
			}
		case model.KindUpdate:
			if cfg.Hooks.OnUpdate != nil {
				hookErr = cfg.Hooks.OnUpdate(documentID, fields)
			}
		case model.KindDelete:
			if cfg.Hooks.OnRemove != nil {
				hookErr = cfg.Hooks.OnRemove(documentID)
			}
		}
		return hookErr
	}

	timestamp, err := w.backend.Persist(ctx, kind, collectionName, documentID, crdtBytes, fields, version, hook)
	if err != nil {
		return nil, errs.New(errs.KindServerMutation, fmt.Sprintf("%s %s/%s", kind, collectionName, documentID), err)
	}

	w.maybeVersion(ctx, cfg, collectionName, documentID, fields)

	return &model.MutationResult{
		Success: true,
		Metadata: model.MutationMetadata{
			DocumentID: documentID,
			Timestamp:  timestamp,
			Version:    version,
			Collection: collectionName,
		},
	}, nil
}

// migrate applies cfg.Migrations[schemaVersion:] in order. A missing
// intermediate migration function is a fatal MigrationError.
func (w *Writer) migrate(cfg *collection.Config, fields map[string]any, schemaVersion uint32) (map[string]any, error) {
	target := uint32(len(cfg.Migrations))
	if len(cfg.Migrations) == 0 || schemaVersion >= target {
		return fields, nil
	}

	current := fields
	for v := schemaVersion; v < target; v++ {
		step := cfg.Migrations[v]
		if step == nil {
			return nil, errs.New(errs.KindMigration, fmt.Sprintf("collection %q missing migration step %d", cfg.Name, v), nil)
		}
		migrated, err := step(current)
		if err != nil {
			return nil, errs.New(errs.KindMigration, fmt.Sprintf("collection %q migration step %d failed", cfg.Name, v), err)
		}
		current = migrated
	}
	return current, nil
}

func (w *Writer) maybeVersion(ctx context.Context, cfg *collection.Config, collectionName, documentID string, fields map[string]any) {
	if w.versions == nil || cfg.Versioning.KeepCount <= 0 {
		return
	}
	if cfg.Hooks.EvalVersion != nil && !cfg.Hooks.EvalVersion(documentID, fields) {
		return
	}
	entry, err := w.versions.SaveVersion(ctx, collectionName, documentID, fields)
	if err != nil {
		return // best-effort: a version-history failure must not fail the write itself
	}
	if cfg.Hooks.OnVersion != nil {
		cfg.Hooks.OnVersion(documentID, entry.VersionID)
	}
	w.versions.Prune(ctx, collectionName, documentID, cfg.Versioning.KeepCount, cfg.Versioning.RetentionDays)
}

// Restore replays an old version as a new write through the same Writer.
func (w *Writer) Restore(ctx context.Context, collectionName, documentID string, versionID uint64, crdtBytes []byte, version uint64) (*model.MutationResult, error) {
	if w.versions == nil {
		return nil, errs.New(errs.KindValidation, "versioning is not enabled for this writer", nil)
	}
	cfg, err := w.config(collectionName)
	if err != nil {
		return nil, err
	}

	entry, ok, err := w.versions.GetVersion(ctx, collectionName, documentID, versionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("version %d not found for %s/%s", versionID, collectionName, documentID), nil)
	}
	if cfg.Hooks.EvalRestore != nil && !cfg.Hooks.EvalRestore(documentID, versionID) {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("restore of version %d rejected for %s/%s", versionID, collectionName, documentID), nil)
	}

	result, err := w.Update(ctx, collectionName, documentID, crdtBytes, entry.Fields, version, 0)
	if err != nil {
		return nil, err
	}
	if cfg.Hooks.OnRestore != nil {
		cfg.Hooks.OnRestore(documentID, versionID)
	}
	return result, nil
}
