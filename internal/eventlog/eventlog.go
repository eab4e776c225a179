// Package eventlog is the server-side event log: an append-only delta
// relation per collection plus a snapshot relation produced by
// compaction, and the incremental stream()/getInitialState() queries the
// client ingestor (internal/client/ingest) pulls against. EventLog and
// PostgresEventLog split the storage contract from its pgxpool-backed
// implementation, with wrapped errors at every storage boundary.
package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/model"
)

// DefaultPageSize is used by Stream when the caller passes a non-positive
// limit.
const DefaultPageSize = 200

// EventLog is the storage contract driftkit's server half runs against.
// PostgresEventLog is the production implementation; MemoryEventLog backs
// unit tests and cmd/driftd when DATABASE_URL is unset.
type EventLog interface {
	// AppendDelta appends a single delta, server-assigning its timestamp,
	// and returns the stored copy (with Timestamp populated).
	AppendDelta(ctx context.Context, delta model.Delta) (model.Delta, error)

	// Stream runs the incremental query: a page of deltas newer than
	// checkpoint, or a GapWithoutSnapshotError, or exactly one snapshot
	// when the requested checkpoint predates the oldest remaining delta.
	Stream(ctx context.Context, collection string, checkpoint uint64, limit int) (model.StreamResponse, error)

	// GetInitialState serves SSR: the latest snapshot if present, else
	// every delta merged into one update. Returns ok=false for an empty
	// collection.
	GetInitialState(ctx context.Context, collection string) (state model.InitialState, ok bool, err error)

	// OldestDelta returns the oldest delta still stored for collection.
	OldestDelta(ctx context.Context, collection string) (delta model.Delta, ok bool, err error)

	// LatestSnapshot returns the most recently created snapshot for
	// collection.
	LatestSnapshot(ctx context.Context, collection string) (snap model.Snapshot, ok bool, err error)

	// DeltasOlderThan returns every delta for collection with
	// timestamp < cutoff, ordered ascending, for the compactor to merge.
	DeltasOlderThan(ctx context.Context, collection string, cutoff uint64) ([]model.Delta, error)

	// ReplaceWithSnapshot atomically inserts snap and deletes every delta
	// for collection with timestamp <= deltaCutoff.
	ReplaceWithSnapshot(ctx context.Context, collection string, snap model.Snapshot, deltaCutoff uint64) error

	// PruneSnapshots deletes snapshots for collection older than
	// olderThan, always keeping at least keepMinimum of the most recent
	// ones. Returns the number of rows deleted.
	PruneSnapshots(ctx context.Context, collection string, keepMinimum int, olderThan time.Time) (int, error)
}

// GapWithoutSnapshotError is returned by Stream when a client's checkpoint
// predates the oldest remaining delta and no snapshot exists to bridge the
// gap — the collection's history has a hole the client cannot recover
// from.
func newGapWithoutSnapshotError(collection string) error {
	return errs.New(errs.KindGapWithoutSnapshot, fmt.Sprintf("collection %q has no snapshot to bridge the requested checkpoint", collection), nil)
}
