package checkpoint

import (
	"testing"

	"github.com/driftkit/driftkit/internal/kvstore"
	"github.com/driftkit/driftkit/internal/model"
)

func TestLoadDefaultsToZero(t *testing.T) {
	s := New(kvstore.NewMemoryStore())

	cp, err := s.Load("todos")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.LastModified != 0 {
		t.Errorf("LastModified = %d, want 0", cp.LastModified)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := New(kvstore.NewMemoryStore())

	if err := s.Save("todos", model.Checkpoint{LastModified: 42}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cp, err := s.Load("todos")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.LastModified != 42 {
		t.Errorf("LastModified = %d, want 42", cp.LastModified)
	}
}

func TestSaveRefusesRegression(t *testing.T) {
	s := New(kvstore.NewMemoryStore())

	if err := s.Save("todos", model.Checkpoint{LastModified: 100}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save("todos", model.Checkpoint{LastModified: 50}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cp, err := s.Load("todos")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.LastModified != 100 {
		t.Errorf("LastModified = %d, want 100 (regression should be a no-op)", cp.LastModified)
	}
}

func TestClearRemovesCheckpoint(t *testing.T) {
	s := New(kvstore.NewMemoryStore())

	if err := s.Save("todos", model.Checkpoint{LastModified: 10}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear("todos"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	cp, err := s.Load("todos")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.LastModified != 0 {
		t.Errorf("LastModified = %d, want 0 after clear", cp.LastModified)
	}
}

func TestCollectionsAreIndependent(t *testing.T) {
	s := New(kvstore.NewMemoryStore())

	if err := s.Save("todos", model.Checkpoint{LastModified: 5}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cp, err := s.Load("notes")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.LastModified != 0 {
		t.Errorf("expected unrelated collection to be unaffected, got %d", cp.LastModified)
	}
}
