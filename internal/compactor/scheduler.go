package compactor

import (
	"context"
	"time"

	"github.com/driftkit/driftkit/internal/collection"
)

// DefaultCompactionInterval is the default compaction job period: every
// 24 hours.
const DefaultCompactionInterval = 24 * time.Hour

// DefaultPruneInterval is the default prune job period: weekly.
const DefaultPruneInterval = 7 * 24 * time.Hour

// Scheduler drives a Compactor on two independent time.Tickers, one for
// compaction and one for pruning; each tick covers every collection in
// the registry.
type Scheduler struct {
	compactor         *Compactor
	registry          *collection.Registry
	compactionInterval time.Duration
	pruneInterval      time.Duration
}

// NewScheduler constructs a Scheduler. A zero interval falls back to the
// package default.
func NewScheduler(compactor *Compactor, registry *collection.Registry, compactionInterval, pruneInterval time.Duration) *Scheduler {
	if compactionInterval <= 0 {
		compactionInterval = DefaultCompactionInterval
	}
	if pruneInterval <= 0 {
		pruneInterval = DefaultPruneInterval
	}
	return &Scheduler{compactor: compactor, registry: registry, compactionInterval: compactionInterval, pruneInterval: pruneInterval}
}

// Run blocks until ctx is cancelled, running a compaction pass over every
// registered collection on compactionInterval and a prune pass on
// pruneInterval.
func (s *Scheduler) Run(ctx context.Context) {
	compactionTicker := time.NewTicker(s.compactionInterval)
	defer compactionTicker.Stop()
	pruneTicker := time.NewTicker(s.pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-compactionTicker.C:
			s.runAll(ctx, s.compactor.Run)
		case <-pruneTicker.C:
			s.runAll(ctx, func(ctx context.Context, name string, now time.Time) error {
				_, err := s.compactor.Prune(ctx, name, now)
				return err
			})
		}
	}
}

func (s *Scheduler) runAll(ctx context.Context, fn func(ctx context.Context, collectionName string, now time.Time) error) {
	now := time.Now()
	for _, name := range s.registry.Names() {
		if err := fn(ctx, name, now); err != nil {
			log.Error().Err(err).Str("collection", name).Msg("scheduled job failed")
		}
	}
}
