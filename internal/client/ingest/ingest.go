// Package ingest implements the client's stream ingestor: a paging loop
// that pulls changes from the server's stream() operation, throttles
// itself to a device-adaptive rate via a golang.org/x/time/rate token
// bucket, buffers pulled pages against a possibly-slower apply loop,
// validates and applies each delta to the local CRDT document, publishes
// the result into the materialized view, and advances the checkpoint.
// The loop reads, validates, and forwards, cleaning up deterministically
// on exit.
package ingest

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/driftkit/driftkit/internal/client/barrier"
	"github.com/driftkit/driftkit/internal/client/checkpoint"
	"github.com/driftkit/driftkit/internal/client/view"
	"github.com/driftkit/driftkit/internal/crdt"
	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/logging"
	"github.com/driftkit/driftkit/internal/model"
)

var log = logging.Component("ingest")

// StreamClient is the server-side stream() and getInitialState()
// contract the ingestor pulls from, satisfied by
// internal/client/apiclient.Client.
type StreamClient interface {
	Stream(ctx context.Context, collection string, checkpoint uint64, limit int) (model.StreamResponse, error)
	GetInitialState(ctx context.Context, collection string) (model.InitialState, bool, error)
}

// OverflowPolicy controls what the ring buffer does when the network
// reader outpaces the apply loop.
type OverflowPolicy string

const (
	// DropOldest discards the buffer's oldest unapplied page to make room
	// for the new one.
	DropOldest OverflowPolicy = "drop-oldest"
	// DropNewest discards the page that just arrived, keeping what's
	// already buffered.
	DropNewest OverflowPolicy = "drop-newest"
	// BlockProducer makes the network reader wait for buffer space,
	// applying natural backpressure to the paging loop.
	BlockProducer OverflowPolicy = "block-producer"
)

const ringBufferCapacity = 1000

// Options configures an Ingestor.
type Options struct {
	// Rate is the token-bucket rate, in deltas per second. Callers
	// typically set this from internal/client/devclass.Rate.
	Rate float64
	// Policy controls ring-buffer overflow behavior. Defaults to
	// DropOldest.
	Policy OverflowPolicy
	// PageSize is the stream() page size. Zero defers to the server's
	// own default.
	PageSize int
}

// Ingestor runs the paging/apply loop for one collection.
type Ingestor struct {
	client     StreamClient
	doc        *crdt.Document
	view       *view.View[map[string]any]
	checkpoint *checkpoint.Store
	barrier    *barrier.Barrier
	collection string
	limiter    *rate.Limiter
	policy     OverflowPolicy
	pageSize   int
}

// New constructs an Ingestor for collection.
func New(client StreamClient, doc *crdt.Document, v *view.View[map[string]any], cp *checkpoint.Store, b *barrier.Barrier, collection string, opts Options) *Ingestor {
	if opts.Rate <= 0 {
		opts.Rate = 100
	}
	if opts.Policy == "" {
		opts.Policy = DropOldest
	}
	return &Ingestor{
		client:     client,
		doc:        doc,
		view:       v,
		checkpoint: cp,
		barrier:    b,
		collection: collection,
		limiter:    rate.NewLimiter(rate.Limit(opts.Rate), int(opts.Rate)+1),
		policy:     opts.Policy,
		pageSize:   opts.PageSize,
	}
}

// page is one fetched unit of work, buffered between the network reader
// and the apply loop.
type page struct {
	resp model.StreamResponse
}

// Run performs one catch-up pass: it seeds from getInitialState if no
// checkpoint is saved yet, then pages stream() forward, applying a
// bounded ring buffer of pulled pages against the slower apply loop. It
// returns nil once the server reports no further changes, or earlier
// with an error or when ctx is cancelled.
func (ing *Ingestor) Run(ctx context.Context) error {
	cp, err := ing.checkpoint.Load(ing.collection)
	if err != nil {
		return err
	}

	if cp.LastModified == 0 {
		if err := ing.seedFromSnapshot(ctx); err != nil {
			return err
		}
		cp, err = ing.checkpoint.Load(ing.collection)
		if err != nil {
			return err
		}
	}

	buf := make(chan page, ringBufferCapacity)
	readerErr := make(chan error, 1)

	go ing.readLoop(ctx, cp.LastModified, buf, readerErr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readerErr:
			return err
		case p, ok := <-buf:
			if !ok {
				return nil
			}
			if err := ing.apply(ctx, p.resp); err != nil {
				return err
			}
		}
	}
}

func (ing *Ingestor) seedFromSnapshot(ctx context.Context) error {
	state, ok, err := ing.client.GetInitialState(ctx, ing.collection)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := ing.doc.ApplyUpdate(ctx, state.CRDTBytes, crdt.OriginSnapshot); err != nil {
		return err
	}
	ing.view.ReplaceAll(ing.doc.Map())
	for id := range ing.doc.Map() {
		ing.barrier.Observe(id, state.Checkpoint.LastModified)
	}
	return ing.checkpoint.Save(ing.collection, state.Checkpoint)
}

func (ing *Ingestor) readLoop(ctx context.Context, from uint64, buf chan<- page, errCh chan<- error) {
	defer close(buf)
	checkpointVal := from

	for {
		if err := ing.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			errCh <- errs.New(errs.KindNetwork, "rate limiter wait", err)
			return
		}

		resp, err := ing.client.Stream(ctx, ing.collection, checkpointVal, ing.pageSize)
		if err != nil {
			errCh <- err
			return
		}

		if len(resp.Changes) > 0 {
			ing.enqueue(ctx, buf, page{resp: resp})
			checkpointVal = resp.Checkpoint.LastModified
		}

		if !resp.HasMore {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if len(resp.Changes) == 0 {
				return
			}
		}
	}
}

func (ing *Ingestor) enqueue(ctx context.Context, buf chan<- page, p page) {
	select {
	case buf <- p:
		return
	default:
	}

	switch ing.policy {
	case BlockProducer:
		select {
		case buf <- p:
		case <-ctx.Done():
		}
	case DropNewest:
		log.Warn().Str("collection", ing.collection).Msg("ring buffer full, dropping newest page")
	default: // DropOldest
		select {
		case <-buf:
		default:
		}
		select {
		case buf <- p:
		default:
			log.Warn().Str("collection", ing.collection).Msg("ring buffer full even after eviction, dropping page")
		}
	}
}

// appliedDocument is one successfully-applied non-snapshot delta,
// carrying just enough to build its view.BatchEntry afterward.
type appliedDocument struct {
	documentID string
	deleted    bool
}

func (ing *Ingestor) apply(ctx context.Context, resp model.StreamResponse) error {
	applied := make([]appliedDocument, 0, len(resp.Changes))

	for _, change := range resp.Changes {
		if err := ing.validate(change); err != nil {
			log.Warn().Err(err).Str("documentId", change.DocumentID).Msg("skipping invalid delta")
			continue
		}

		if change.Type == model.OpSnapshot {
			if err := ing.doc.ApplyUpdate(ctx, change.CRDTBytes, crdt.OriginSnapshot); err != nil {
				return err
			}
			ing.view.ReplaceAll(ing.doc.Map())
			ing.barrier.Observe(change.DocumentID, resp.Checkpoint.LastModified)
			continue
		}

		if err := ing.doc.ApplyUpdate(ctx, change.CRDTBytes, crdt.OriginSubscription); err != nil {
			log.Warn().Err(err).Str("documentId", change.DocumentID).Msg("skipping undeliverable delta")
			continue
		}
		_, known := ing.doc.Get(change.DocumentID)
		applied = append(applied, appliedDocument{documentID: change.DocumentID, deleted: !known})
		ing.barrier.Observe(change.DocumentID, change.Timestamp)
	}

	batch := make([]view.BatchEntry[map[string]any], 0, len(applied))
	for _, a := range applied {
		if a.deleted {
			batch = append(batch, view.BatchEntry[map[string]any]{Kind: view.ChangeDelete, DocumentID: a.documentID})
			continue
		}
		fields, _ := ing.doc.Get(a.documentID)
		batch = append(batch, view.BatchEntry[map[string]any]{Kind: view.ChangeUpdate, DocumentID: a.documentID, Value: fields})
	}
	ing.view.ApplyBatch(batch)

	return ing.checkpoint.Save(ing.collection, resp.Checkpoint)
}

func (ing *Ingestor) validate(change model.Change) error {
	if len(change.CRDTBytes) == 0 {
		return errs.New(errs.KindDeltaValidation, fmt.Sprintf("empty crdtBytes for document %q", change.DocumentID), nil)
	}
	if len(change.CRDTBytes) > crdt.MaxUpdateSize {
		return errs.New(errs.KindDeltaValidation, fmt.Sprintf("crdtBytes for document %q exceeds size cap", change.DocumentID), nil)
	}
	return nil
}
