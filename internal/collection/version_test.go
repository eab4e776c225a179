package collection

import (
	"context"
	"testing"
	"time"
)

func TestMemoryVersionStoreSaveAndListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryVersionStore()

	first, err := store.SaveVersion(ctx, "todos", "doc-1", map[string]any{"title": "a"})
	if err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}
	second, err := store.SaveVersion(ctx, "todos", "doc-1", map[string]any{"title": "b"})
	if err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}

	versions, err := store.ListVersions(ctx, "todos", "doc-1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("ListVersions() returned %d entries, want 2", len(versions))
	}
	if versions[0].VersionID != second.VersionID || versions[1].VersionID != first.VersionID {
		t.Fatalf("ListVersions() = %+v, want newest first", versions)
	}
}

func TestMemoryVersionStoreListVersionsScopedByDocument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryVersionStore()

	if _, err := store.SaveVersion(ctx, "todos", "doc-1", map[string]any{"title": "a"}); err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}
	if _, err := store.SaveVersion(ctx, "todos", "doc-2", map[string]any{"title": "b"}); err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}

	versions, err := store.ListVersions(ctx, "todos", "doc-1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 1 || versions[0].DocumentID != "doc-1" {
		t.Fatalf("ListVersions(doc-1) = %+v, want exactly doc-1's version", versions)
	}
}

func TestMemoryVersionStoreGetVersionHitAndMiss(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryVersionStore()

	saved, err := store.SaveVersion(ctx, "todos", "doc-1", map[string]any{"title": "a"})
	if err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}

	got, ok, err := store.GetVersion(ctx, "todos", "doc-1", saved.VersionID)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if !ok || got.Fields["title"] != "a" {
		t.Fatalf("GetVersion() = %+v, %v, want the saved entry", got, ok)
	}

	_, ok, err = store.GetVersion(ctx, "todos", "doc-1", saved.VersionID+999)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if ok {
		t.Fatal("expected GetVersion() with an unknown version id to miss")
	}
}

func TestMemoryVersionStorePruneKeepsCountAndRecentEntries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryVersionStore()

	now := time.Now()
	old := VersionEntry{VersionID: 1, Collection: "todos", DocumentID: "doc-1", CreatedAt: now.AddDate(0, 0, -30)}
	recent := VersionEntry{VersionID: 2, Collection: "todos", DocumentID: "doc-1", CreatedAt: now.AddDate(0, 0, -1)}
	newest := VersionEntry{VersionID: 3, Collection: "todos", DocumentID: "doc-1", CreatedAt: now}
	store.versions[versionKey("todos", "doc-1")] = []VersionEntry{old, recent, newest}

	deleted, err := store.Prune(ctx, "todos", "doc-1", 1, 7)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Prune() deleted = %d, want 1 (only the entry outside keepCount and retention)", deleted)
	}

	remaining, err := store.ListVersions(ctx, "todos", "doc-1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("ListVersions() after Prune = %+v, want 2 entries", remaining)
	}
}

func TestMemoryVersionStorePruneNoopWhenUnderKeepCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryVersionStore()

	if _, err := store.SaveVersion(ctx, "todos", "doc-1", map[string]any{"title": "a"}); err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}

	deleted, err := store.Prune(ctx, "todos", "doc-1", 5, 30)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 0 {
		t.Fatalf("Prune() deleted = %d, want 0 when entry count is under keepCount", deleted)
	}
}

func TestVersionEntryRestoreProducesMaterializedRecord(t *testing.T) {
	entry := VersionEntry{
		DocumentID: "doc-1",
		Fields:     map[string]any{"title": "a"},
		CreatedAt:  time.UnixMilli(1700000000000),
	}

	record := entry.Restore()
	if record.ID != "doc-1" {
		t.Errorf("Restore().ID = %q, want doc-1", record.ID)
	}
	if record.Fields["title"] != "a" {
		t.Errorf("Restore().Fields = %+v, want title=a", record.Fields)
	}
	if record.Timestamp != 1700000000000 {
		t.Errorf("Restore().Timestamp = %d, want 1700000000000", record.Timestamp)
	}
}
