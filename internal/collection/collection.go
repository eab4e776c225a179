// Package collection is driftkit's collection builder/registry: the
// configuration surface (compaction, pruning, versioning, buffer policy,
// rate-limit overrides) and lifecycle hooks a caller attaches to a named
// collection, keyed by name since a single process can serve several
// collections at once.
package collection

import (
	"time"

	"github.com/driftkit/driftkit/internal/model"
)

// BufferStrategy is the overload policy for a collection's ingest buffer.
type BufferStrategy string

const (
	StrategyDropping   BufferStrategy = "dropping"
	StrategySliding    BufferStrategy = "sliding"
	StrategySuspending BufferStrategy = "suspending"
)

// BufferPolicy bounds the client ingestor's intermediate buffer for this
// collection.
type BufferPolicy struct {
	Capacity int
	Strategy BufferStrategy
}

// CompactionConfig controls how old deltas are merged into snapshots.
type CompactionConfig struct {
	Retention time.Duration // default 90 days
}

// PruningConfig controls how old snapshots are deleted.
type PruningConfig struct {
	Retention time.Duration // default 180 days
}

// VersioningConfig controls the version-history subsystem (see
// internal/collection.VersionStore).
type VersioningConfig struct {
	KeepCount     int
	RetentionDays int
}

// Migration is one step of a collection's schema migration chain, run by
// internal/writer inside the same transaction as an insert/update when the
// incoming schemaVersion is behind Config.Migrations' length.
type Migration func(fields map[string]any) (map[string]any, error)

// Hooks are the optional lifecycle callbacks a collection builder may
// attach.
type Hooks struct {
	EvalRead    func(documentID string, fields map[string]any) bool
	EvalWrite   func(documentID string, fields map[string]any) bool
	EvalRemove  func(documentID string) bool
	OnStream    func(changes []model.Change)
	OnInsert    func(documentID string, fields map[string]any) error
	OnUpdate    func(documentID string, fields map[string]any) error
	OnRemove    func(documentID string) error
	Transform   func(fields map[string]any) map[string]any
	EvalCompact func(collection string) bool
	EvalPrune   func(collection string) bool
	OnCompact   func(collection string, snapshot model.Snapshot)
	OnPrune     func(collection string, deleted int)
	EvalVersion func(documentID string, fields map[string]any) bool
	OnVersion   func(documentID string, versionID uint64)
	EvalRestore func(documentID string, versionID uint64) bool
	OnRestore   func(documentID string, versionID uint64)
}

// GetKeyFunc derives a document's stable key from its materialized fields.
type GetKeyFunc func(fields map[string]any) (string, error)

// Config is the full configuration surface of a single collection.
type Config struct {
	Name string

	GetKey GetKeyFunc

	Compaction CompactionConfig
	Pruning    PruningConfig
	Versioning VersioningConfig

	Migrations []Migration

	Buffer BufferPolicy

	// MaxDeltasPerSecond overrides the device-adaptive default when > 0.
	MaxDeltasPerSecond int

	Hooks Hooks
}

// DefaultCompaction is the default compaction retention: 90 days
// (129600 minutes).
func DefaultCompaction() CompactionConfig {
	return CompactionConfig{Retention: 129600 * time.Minute}
}

// DefaultPruning is the default snapshot retention: 180 days
// (259200 minutes).
func DefaultPruning() PruningConfig {
	return PruningConfig{Retention: 259200 * time.Minute}
}

// DefaultBuffer is the default bounded-buffer capacity with a
// drop-oldest overload policy.
func DefaultBuffer() BufferPolicy {
	return BufferPolicy{Capacity: 1000, Strategy: StrategyDropping}
}

// New returns a Config for name with the package defaults applied, ready
// for the caller to override fields on.
func New(name string, getKey GetKeyFunc) *Config {
	return &Config{
		Name:       name,
		GetKey:     getKey,
		Compaction: DefaultCompaction(),
		Pruning:    DefaultPruning(),
		Buffer:     DefaultBuffer(),
	}
}

// Registry is a process-wide lookup of collection configs, keyed by
// collection name since a single process can serve many collections.
type Registry struct {
	configs map[string]*Config
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*Config)}
}

// Register adds or replaces cfg under its own name.
func (r *Registry) Register(cfg *Config) {
	r.configs[cfg.Name] = cfg
}

// Get looks up a collection's config.
func (r *Registry) Get(name string) (*Config, bool) {
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Names returns every registered collection name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	return names
}
