// Package compactor periodically merges old deltas into a
// collection-level snapshot and prunes stale snapshots, using windowed
// SQL deletes plus a safety-buffer count, and internal/crdt to validate
// by containment before any delta row is deleted.
package compactor

import (
	"context"
	"fmt"
	"time"

	"github.com/driftkit/driftkit/internal/collection"
	"github.com/driftkit/driftkit/internal/crdt"
	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/eventlog"
	"github.com/driftkit/driftkit/internal/logging"
	"github.com/driftkit/driftkit/internal/metrics"
	"github.com/driftkit/driftkit/internal/model"
)

// MinDeltasToCompact is the batch floor below which a compaction run is
// skipped.
const MinDeltasToCompact = 100

// SnapshotSafetyBuffer is the minimum number of recent snapshots pruning
// always keeps per collection.
const SnapshotSafetyBuffer = 2

var log = logging.Component("compactor")

// Compactor runs the one-shot compaction/prune algorithm against an
// EventLog.
type Compactor struct {
	log      eventlog.EventLog
	registry *collection.Registry
}

// New constructs a Compactor.
func New(log eventlog.EventLog, registry *collection.Registry) *Compactor {
	return &Compactor{log: log, registry: registry}
}

// Run executes one compaction pass for collectionName. now is injected
// so callers control the cutoff deterministically in tests.
func (c *Compactor) Run(ctx context.Context, collectionName string, now time.Time) error {
	cfg, ok := c.registry.Get(collectionName)
	if !ok {
		return errs.New(errs.KindValidation, fmt.Sprintf("unknown collection %q", collectionName), nil)
	}
	if cfg.Hooks.EvalCompact != nil && !cfg.Hooks.EvalCompact(collectionName) {
		return nil
	}

	timer := prometheusTimer()
	defer timer(collectionName)

	cutoff := uint64(now.Add(-cfg.Compaction.Retention).UnixMilli())
	deltas, err := c.log.DeltasOlderThan(ctx, collectionName, cutoff)
	if err != nil {
		return err
	}
	if len(deltas) < MinDeltasToCompact {
		log.Debug().Str("collection", collectionName).Int("count", len(deltas)).Msg("skipping compaction, below batch floor")
		return nil
	}

	merged, newestTimestamp, err := mergeAndValidate(collectionName, deltas)
	if err != nil {
		log.Error().Err(err).Str("collection", collectionName).Msg("snapshot validation failed, aborting compaction")
		return err
	}

	snap := model.Snapshot{
		Collection:                collectionName,
		SnapshotBytes:             merged,
		LatestCompactionTimestamp: newestTimestamp,
		CreatedAt:                 uint64(now.Unix()),
	}
	if err := c.log.ReplaceWithSnapshot(ctx, collectionName, snap, newestTimestamp); err != nil {
		return err
	}

	metrics.SnapshotsCreated.WithLabelValues(collectionName).Inc()
	if cfg.Hooks.OnCompact != nil {
		cfg.Hooks.OnCompact(collectionName, snap)
	}
	log.Info().Str("collection", collectionName).Int("merged", len(deltas)).Msg("compaction complete")
	return nil
}

// mergeAndValidate merges deltas into a single update and validates it by
// applying every input delta to a scratch document and confirming the
// merged bytes contain each one: the merged snapshot is trusted only
// after every input delta's documents are found within it.
func mergeAndValidate(collectionName string, deltas []model.Delta) ([]byte, uint64, error) {
	scratch := crdt.NewDocument(collectionName, 0)
	var newestTimestamp uint64

	for _, d := range deltas {
		if err := scratch.ApplyUpdate(context.Background(), d.CRDTBytes, crdt.OriginSnapshot); err != nil {
			return nil, 0, errs.New(errs.KindSnapshotValidation, fmt.Sprintf("delta at timestamp %d failed to apply during merge", d.Timestamp), err)
		}
		if d.Timestamp > newestTimestamp {
			newestTimestamp = d.Timestamp
		}
	}

	merged, err := scratch.Snapshot()
	if err != nil {
		return nil, 0, errs.New(errs.KindSnapshotValidation, "failed to encode merged snapshot", err)
	}

	replay := crdt.NewDocument(collectionName, 0)
	if err := replay.ApplyUpdate(context.Background(), merged, crdt.OriginSnapshot); err != nil {
		return nil, 0, errs.New(errs.KindSnapshotValidation, "merged snapshot failed to decode", err)
	}
	for _, d := range deltas {
		probe := crdt.NewDocument(collectionName, 0)
		if err := probe.ApplyUpdate(context.Background(), d.CRDTBytes, crdt.OriginSnapshot); err != nil {
			continue
		}
		for docID := range probe.Map() {
			if !replay.Known(docID) {
				return nil, 0, errs.New(errs.KindSnapshotValidation, fmt.Sprintf("merged snapshot does not contain document %q from an input delta", docID), nil)
			}
		}
	}

	return merged, newestTimestamp, nil
}

// Prune deletes snapshots older than cfg.Pruning.Retention, always
// keeping SnapshotSafetyBuffer of the most recent ones.
func (c *Compactor) Prune(ctx context.Context, collectionName string, now time.Time) (int, error) {
	cfg, ok := c.registry.Get(collectionName)
	if !ok {
		return 0, errs.New(errs.KindValidation, fmt.Sprintf("unknown collection %q", collectionName), nil)
	}
	if cfg.Hooks.EvalPrune != nil && !cfg.Hooks.EvalPrune(collectionName) {
		return 0, nil
	}

	olderThan := now.Add(-cfg.Pruning.Retention)
	deleted, err := c.log.PruneSnapshots(ctx, collectionName, SnapshotSafetyBuffer, olderThan)
	if err != nil {
		return 0, err
	}
	if cfg.Hooks.OnPrune != nil {
		cfg.Hooks.OnPrune(collectionName, deleted)
	}
	log.Info().Str("collection", collectionName).Int("deleted", deleted).Msg("snapshot prune complete")
	return deleted, nil
}

func prometheusTimer() func(collectionName string) {
	start := time.Now()
	return func(collectionName string) {
		metrics.CompactionDuration.WithLabelValues(collectionName).Observe(time.Since(start).Seconds())
	}
}
