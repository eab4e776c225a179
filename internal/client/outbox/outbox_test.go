package outbox

import (
	"testing"

	"github.com/driftkit/driftkit/internal/kvstore"
	"github.com/driftkit/driftkit/internal/model"
)

func TestEnqueueAssignsMonotoneIDsAndIdempotencyKeys(t *testing.T) {
	q := New(kvstore.NewMemoryStore())

	e1, err := q.Enqueue(model.OutboxEntry{Collection: "todos", Kind: model.KindInsert, DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	e2, err := q.Enqueue(model.OutboxEntry{Collection: "todos", Kind: model.KindInsert, DocumentID: "doc-2"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if e1.ID != 1 || e2.ID != 2 {
		t.Fatalf("IDs = %d, %d, want 1, 2", e1.ID, e2.ID)
	}
	if e1.IdempotencyKey == "" || e1.IdempotencyKey == e2.IdempotencyKey {
		t.Fatalf("expected distinct, non-empty idempotency keys: %q, %q", e1.IdempotencyKey, e2.IdempotencyKey)
	}
}

func TestListReturnsFIFOOrder(t *testing.T) {
	q := New(kvstore.NewMemoryStore())
	for _, id := range []string{"doc-1", "doc-2", "doc-3"} {
		if _, err := q.Enqueue(model.OutboxEntry{Collection: "todos", Kind: model.KindInsert, DocumentID: id}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	entries, err := q.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for i, want := range []string{"doc-1", "doc-2", "doc-3"} {
		if entries[i].DocumentID != want {
			t.Errorf("entries[%d].DocumentID = %q, want %q", i, entries[i].DocumentID, want)
		}
	}
}

func TestRemoveDeletesExactlyOneEntry(t *testing.T) {
	q := New(kvstore.NewMemoryStore())
	e1, _ := q.Enqueue(model.OutboxEntry{Collection: "todos", Kind: model.KindInsert, DocumentID: "doc-1"})
	q.Enqueue(model.OutboxEntry{Collection: "todos", Kind: model.KindInsert, DocumentID: "doc-2"})

	if err := q.Remove(e1.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	entries, err := q.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].DocumentID != "doc-2" {
		t.Fatalf("unexpected remaining entries: %#v", entries)
	}
}

func TestRemoveUnknownIDIsNoop(t *testing.T) {
	q := New(kvstore.NewMemoryStore())
	if err := q.Remove(999); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}

func TestSurvivesSimulatedRestart(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	q1 := New(kv)
	entry, err := q1.Enqueue(model.OutboxEntry{Collection: "todos", Kind: model.KindUpdate, DocumentID: "doc-1", Version: 3})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Simulate a process restart: a fresh Queue wraps the same durable
	// backing store.
	q2 := New(kv)
	entries, err := q2.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != entry.ID || entries[0].DocumentID != "doc-1" {
		t.Fatalf("expected the entry to survive a restart: %#v", entries)
	}

	if err := q2.Remove(entry.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	entries, err = q2.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected the entry to be removed exactly once, got %#v", entries)
	}
}

func TestUpdatePersistsWithoutChangingFIFOPosition(t *testing.T) {
	q := New(kvstore.NewMemoryStore())
	e1, _ := q.Enqueue(model.OutboxEntry{Collection: "todos", Kind: model.KindInsert, DocumentID: "doc-1"})
	q.Enqueue(model.OutboxEntry{Collection: "todos", Kind: model.KindInsert, DocumentID: "doc-2"})

	e1.Attempts = 3
	if err := q.Update(e1); err != nil {
		t.Fatalf("Update: %v", err)
	}

	entries, err := q.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].DocumentID != "doc-1" || entries[1].DocumentID != "doc-2" {
		t.Fatalf("unexpected order after Update: %#v", entries)
	}
	if entries[0].Attempts != 3 {
		t.Fatalf("entries[0].Attempts = %d, want 3", entries[0].Attempts)
	}
}

func TestDepthReflectsPendingCount(t *testing.T) {
	q := New(kvstore.NewMemoryStore())
	depth, err := q.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("Depth = %d, want 0", depth)
	}

	q.Enqueue(model.OutboxEntry{Collection: "todos", Kind: model.KindInsert, DocumentID: "doc-1"})
	depth, err = q.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("Depth = %d, want 1", depth)
	}
}
