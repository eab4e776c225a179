package collection

import "testing"

func TestNewAppliesSpecDefaults(t *testing.T) {
	cfg := New("todos", nil)

	if cfg.Compaction.Retention != DefaultCompaction().Retention {
		t.Errorf("Compaction.Retention = %s, want %s", cfg.Compaction.Retention, DefaultCompaction().Retention)
	}
	if cfg.Pruning.Retention != DefaultPruning().Retention {
		t.Errorf("Pruning.Retention = %s, want %s", cfg.Pruning.Retention, DefaultPruning().Retention)
	}
	if cfg.Buffer != DefaultBuffer() {
		t.Errorf("Buffer = %+v, want %+v", cfg.Buffer, DefaultBuffer())
	}
}

func TestRegistryRegisterGetAndNames(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("todos"); ok {
		t.Fatal("expected Get on an empty registry to miss")
	}

	r.Register(New("todos", nil))
	r.Register(New("notes", nil))

	cfg, ok := r.Get("todos")
	if !ok || cfg.Name != "todos" {
		t.Fatalf("Get(\"todos\") = %+v, %v", cfg, ok)
	}

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
}

func TestRegistryRegisterReplacesExistingConfig(t *testing.T) {
	r := NewRegistry()
	r.Register(New("todos", nil))

	replacement := New("todos", nil)
	replacement.MaxDeltasPerSecond = 42
	r.Register(replacement)

	cfg, ok := r.Get("todos")
	if !ok {
		t.Fatal("expected todos to still be registered")
	}
	if cfg.MaxDeltasPerSecond != 42 {
		t.Fatalf("MaxDeltasPerSecond = %d, want 42 (replacement was not applied)", cfg.MaxDeltasPerSecond)
	}
}
