package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/driftkit/driftkit/internal/client/barrier"
	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/logging"
	"github.com/driftkit/driftkit/internal/model"
)

var drainLog = logging.Component("outbox-drain")

const (
	// replayFreshnessThreshold is the age at which a queued entry
	// bypasses the replication barrier before being considered drained,
	// letting a large offline backlog flush without paying a
	// round-trip wait per entry.
	replayFreshnessThreshold = 2 * time.Second
	barrierTimeout           = 30 * time.Second
	baseBackoff              = 250 * time.Millisecond
	maxBackoff               = 30 * time.Second
	idlePoll                 = 50 * time.Millisecond
)

// MutationClient sends a queued entry's mutation to the server. Satisfied
// by internal/client/apiclient.Client.
type MutationClient interface {
	Insert(ctx context.Context, collection, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error)
	Update(ctx context.Context, collection, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error)
	Remove(ctx context.Context, collection, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error)
}

// FailureHandler is notified when an entry is dropped after a
// non-retriable server response (auth or validation failure).
type FailureHandler func(entry model.OutboxEntry, err error)

// Drainer sends queued outbox entries to the server in FIFO order,
// retrying retriable failures with exponential backoff and dropping
// non-retriable ones. Only the process holding outbox leadership (see
// internal/client/outbox/leader) should run one at a time; wire its
// Start/Stop to an Elector's Callback.
type Drainer struct {
	queue   *Queue
	client  MutationClient
	barrier *barrier.Barrier
	onFail  FailureHandler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wake    chan struct{}
}

// NewDrainer builds a Drainer over queue, sending mutations through
// client and confirming replication through b. onFail may be nil.
func NewDrainer(queue *Queue, client MutationClient, b *barrier.Barrier, onFail FailureHandler) *Drainer {
	return &Drainer{queue: queue, client: client, barrier: b, onFail: onFail, wake: make(chan struct{}, 1)}
}

// Start begins draining in a background goroutine if not already
// running. Call on becoming leader or transitioning online.
func (d *Drainer) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	go d.loop(runCtx)
}

// Stop halts draining. Any entries still queued remain for the next
// leader (or the next Start) to pick up.
func (d *Drainer) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.running = false
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Kick wakes the drain loop immediately instead of waiting out its idle
// poll, used on enqueue. A head entry still inside its backoff window is
// not sent early: the loop re-checks it and waits out the remainder.
func (d *Drainer) Kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Drainer) loop(ctx context.Context) {
	for {
		wait, err := d.drainPass(ctx)
		if err != nil {
			return
		}
		if wait <= 0 {
			wait = idlePoll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// drainPass sends entries in FIFO order until the queue is empty or the
// head entry's backoff has not yet elapsed, returning how long to wait
// before the next pass.
func (d *Drainer) drainPass(ctx context.Context) (time.Duration, error) {
	for {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		entries, err := d.queue.List()
		if err != nil {
			drainLog.Warn().Err(err).Msg("failed to list outbox entries")
			return baseBackoff, nil
		}
		if len(entries) == 0 {
			return 0, nil
		}

		entry := entries[0]
		if wait := time.Until(entry.NextAttemptAt); wait > 0 {
			return wait, nil
		}

		// sendOne either removes the entry (success or non-retriable
		// drop) or records a fresh backoff; either way, re-list and
		// re-check the new head rather than looping on this entry.
		d.sendOne(ctx, entry)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
}

func (d *Drainer) sendOne(ctx context.Context, entry model.OutboxEntry) {
	result, err := d.dispatch(ctx, entry)
	if err != nil {
		d.handleFailure(entry, err)
		return
	}

	if result != nil && result.Metadata.Timestamp > 0 {
		d.awaitReplication(ctx, entry, result.Metadata)
	}

	if err := d.queue.Remove(entry.ID); err != nil {
		drainLog.Warn().Err(err).Uint64("id", entry.ID).Msg("failed to remove drained outbox entry")
	}
}

func (d *Drainer) dispatch(ctx context.Context, entry model.OutboxEntry) (*model.MutationResult, error) {
	switch entry.Kind {
	case model.KindInsert:
		return d.client.Insert(ctx, entry.Collection, entry.DocumentID, entry.CRDTBytes, entry.MaterializedDoc, entry.Version, entry.SchemaVersion)
	case model.KindUpdate:
		return d.client.Update(ctx, entry.Collection, entry.DocumentID, entry.CRDTBytes, entry.MaterializedDoc, entry.Version, entry.SchemaVersion)
	case model.KindDelete:
		return d.client.Remove(ctx, entry.Collection, entry.DocumentID, entry.CRDTBytes, entry.MaterializedDoc, entry.Version, entry.SchemaVersion)
	default:
		return nil, errs.New(errs.KindValidation, "unknown outbox entry kind", nil)
	}
}

// awaitReplication bypasses the barrier for entries old enough that
// their replay value outweighs waiting for an echo, per the offline
// queue's replay-freshness rule.
func (d *Drainer) awaitReplication(ctx context.Context, entry model.OutboxEntry, meta model.MutationMetadata) {
	if entry.Age(time.Now()) >= replayFreshnessThreshold {
		return
	}
	if err := d.barrier.Await(ctx, meta.DocumentID, meta.Timestamp, barrierTimeout); err != nil {
		drainLog.Warn().Err(err).Str("documentId", meta.DocumentID).Msg("replication barrier timed out after send")
	}
}

func (d *Drainer) handleFailure(entry model.OutboxEntry, err error) {
	if !errs.Retriable(err) {
		drainLog.Warn().Err(err).Uint64("id", entry.ID).Str("documentId", entry.DocumentID).Msg("dropping non-retriable outbox entry")
		if rmErr := d.queue.Remove(entry.ID); rmErr != nil {
			drainLog.Warn().Err(rmErr).Uint64("id", entry.ID).Msg("failed to remove non-retriable outbox entry")
		}
		if d.onFail != nil {
			d.onFail(entry, err)
		}
		return
	}

	entry.Attempts++
	entry.NextAttemptAt = time.Now().Add(backoffFor(entry.Attempts))
	if updErr := d.queue.Update(entry); updErr != nil {
		drainLog.Warn().Err(updErr).Uint64("id", entry.ID).Msg("failed to record outbox retry backoff")
	}
}

// backoffFor returns the exponential delay before attempt number
// attempts (1-indexed), doubling from baseBackoff and capped at
// maxBackoff.
func backoffFor(attempts int) time.Duration {
	if attempts <= 1 {
		return baseBackoff
	}
	delay := baseBackoff
	for i := 1; i < attempts && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
