// Package barrier implements the client's replication barrier: a wait
// for a specific document timestamp to have been observed locally, used
// after a mutation to block until the ingestor has caught up with the
// server's own acknowledgement. It polls on a ticker until the condition
// is met or the context expires, rather than sweeping on a fixed period.
package barrier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftkit/driftkit/internal/errs"
)

const pollInterval = 50 * time.Millisecond

// Barrier tracks, per document, the highest timestamp observed by the
// ingestor and lets callers await a target timestamp being reached.
type Barrier struct {
	mu   sync.Mutex
	seen map[string]uint64 // documentID -> highest observed timestamp
}

// New constructs an empty Barrier.
func New() *Barrier {
	return &Barrier{seen: make(map[string]uint64)}
}

// Observe records that documentID has been locally applied up to
// timestamp. C6 (the ingestor) calls this as updates land, and the client
// engine calls it for each change notification; it never decreases a
// document's recorded timestamp.
func (b *Barrier) Observe(documentID string, timestamp uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timestamp > b.seen[documentID] {
		b.seen[documentID] = timestamp
	}
}

// Await blocks until documentID has been observed at or past timestamp,
// ctx is cancelled, or timeout elapses. The fast path checks the seen
// map immediately; only an unmet condition falls through to the slow,
// ticker-driven poll.
func (b *Barrier) Await(ctx context.Context, documentID string, timestamp uint64, timeout time.Duration) error {
	if b.reached(documentID, timestamp) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if b.reached(documentID, timestamp) {
				return nil
			}
		case <-ctx.Done():
			if b.reached(documentID, timestamp) {
				return nil
			}
			return errs.New(errs.KindReplicationTimeout,
				fmt.Sprintf("document %q did not reach timestamp %d within %s", documentID, timestamp, timeout), ctx.Err())
		}
	}
}

func (b *Barrier) reached(documentID string, timestamp uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen[documentID] >= timestamp
}
