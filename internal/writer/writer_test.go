package writer

import (
	"context"
	"testing"

	"github.com/driftkit/driftkit/internal/collection"
	"github.com/driftkit/driftkit/internal/eventlog"
)

func newTestWriter(t *testing.T, cfg *collection.Config) (*Writer, *MemoryBackend) {
	t.Helper()
	registry := collection.NewRegistry()
	registry.Register(cfg)
	backend := NewMemoryBackend(eventlog.NewMemoryEventLog())
	return New(backend, registry, collection.NewMemoryVersionStore()), backend
}

func TestInsertUpsertsMaterializedRecord(t *testing.T) {
	cfg := collection.New("todos", nil)
	w, backend := newTestWriter(t, cfg)

	result, err := w.Insert(context.Background(), "todos", "doc-1", []byte("crdt-bytes"), map[string]any{"title": "a"}, 1, 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success=true")
	}
	if result.Metadata.DocumentID != "doc-1" || result.Metadata.Collection != "todos" {
		t.Errorf("unexpected metadata: %#v", result.Metadata)
	}

	rec, ok, err := backend.GetMaterialized(context.Background(), "todos", "doc-1")
	if err != nil || !ok {
		t.Fatalf("GetMaterialized: ok=%v err=%v", ok, err)
	}
	if rec.Fields["title"] != "a" {
		t.Errorf("materialized fields = %#v", rec.Fields)
	}
}

func TestDeleteRemovesMaterializedRecord(t *testing.T) {
	cfg := collection.New("todos", nil)
	w, backend := newTestWriter(t, cfg)
	ctx := context.Background()

	if _, err := w.Insert(ctx, "todos", "doc-1", []byte("x"), map[string]any{"title": "a"}, 1, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := w.Delete(ctx, "todos", "doc-1", []byte("y"), nil, 2, 0); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok, _ := backend.GetMaterialized(ctx, "todos", "doc-1"); ok {
		t.Error("expected materialized record to be gone after delete")
	}
}

func TestMissingMigrationStepIsFatal(t *testing.T) {
	cfg := collection.New("todos", nil)
	cfg.Migrations = []collection.Migration{nil}
	w, _ := newTestWriter(t, cfg)

	_, err := w.Insert(context.Background(), "todos", "doc-1", []byte("x"), map[string]any{"title": "a"}, 1, 0)
	if err == nil {
		t.Fatal("expected MigrationError for missing migration step")
	}
}

func TestHookFailureFailsWrite(t *testing.T) {
	cfg := collection.New("todos", nil)
	cfg.Hooks.OnInsert = func(documentID string, fields map[string]any) error {
		return context.DeadlineExceeded
	}
	w, backend := newTestWriter(t, cfg)

	_, err := w.Insert(context.Background(), "todos", "doc-1", []byte("x"), map[string]any{"title": "a"}, 1, 0)
	if err == nil {
		t.Fatal("expected hook failure to fail the write")
	}
	if _, ok, _ := backend.GetMaterialized(context.Background(), "todos", "doc-1"); ok {
		t.Error("expected materialized record not to be visible after hook failure")
	}
}

func TestVersioningSupplementSavesAndRestores(t *testing.T) {
	cfg := collection.New("todos", nil)
	cfg.Versioning = collection.VersioningConfig{KeepCount: 5, RetentionDays: 30}
	w, _ := newTestWriter(t, cfg)
	ctx := context.Background()

	if _, err := w.Insert(ctx, "todos", "doc-1", []byte("x"), map[string]any{"title": "a"}, 1, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := w.Update(ctx, "todos", "doc-1", []byte("y"), map[string]any{"title": "b"}, 2, 0); err != nil {
		t.Fatalf("Update: %v", err)
	}

	versions, err := w.versions.ListVersions(ctx, "todos", "doc-1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("len(versions) = %d, want 2", len(versions))
	}

	firstVersionID := versions[len(versions)-1].VersionID
	result, err := w.Restore(ctx, "todos", "doc-1", firstVersionID, []byte("restored"), 3)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !result.Success {
		t.Fatal("expected restore to succeed")
	}
}

func TestMigrationChainTransformsOldSchema(t *testing.T) {
	cfg := collection.New("todos", nil)
	cfg.Migrations = []collection.Migration{
		func(fields map[string]any) (map[string]any, error) {
			fields["migrated"] = true
			return fields, nil
		},
	}
	w, backend := newTestWriter(t, cfg)

	if _, err := w.Insert(context.Background(), "todos", "doc-1", []byte("x"), map[string]any{"title": "a"}, 1, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec, ok, _ := backend.GetMaterialized(context.Background(), "todos", "doc-1")
	if !ok {
		t.Fatal("expected materialized record")
	}
	if rec.Fields["migrated"] != true {
		t.Errorf("expected migration to run, got fields %#v", rec.Fields)
	}
}
