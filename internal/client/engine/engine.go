// Package engine assembles driftkit's client-side components into the
// single cooperating unit an application embeds: one CRDT document and
// materialized view per collection, kept current by the stream ingestor
// and subscription controller, with local writes going through the
// offline outbox and replication barrier. Construction wires everything
// in one place, background goroutines run under a cancellable context,
// and teardown is deterministic.
package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/driftkit/driftkit/internal/client/apiclient"
	"github.com/driftkit/driftkit/internal/client/barrier"
	"github.com/driftkit/driftkit/internal/client/checkpoint"
	"github.com/driftkit/driftkit/internal/client/devclass"
	"github.com/driftkit/driftkit/internal/client/ingest"
	"github.com/driftkit/driftkit/internal/client/negotiate"
	"github.com/driftkit/driftkit/internal/client/outbox"
	"github.com/driftkit/driftkit/internal/client/outbox/leader"
	"github.com/driftkit/driftkit/internal/client/subscription"
	"github.com/driftkit/driftkit/internal/client/view"
	"github.com/driftkit/driftkit/internal/client/wsclient"
	"github.com/driftkit/driftkit/internal/crdt"
	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/kvstore"
	"github.com/driftkit/driftkit/internal/logging"
	"github.com/driftkit/driftkit/internal/model"
)

var log = logging.Component("engine")

const identityBucket = "client_identity"
const clientIDKey = "clientId"

// Config wires one Engine to a server and a durable local store.
type Config struct {
	Collection string
	BaseURL    string // e.g. "http://localhost:8080"
	WSURL      string // e.g. "ws://localhost:8080/ws"
	HTTPClient *http.Client
	KV         kvstore.Store

	// OutboxLockPath is a filesystem path shared by every process
	// instance of this client installation, used to arbitrate outbox
	// drain leadership. Required if this process should participate in
	// leader election at all.
	OutboxLockPath string

	// IngestOptions configures the stream ingestor's throttle and
	// overflow policy. A zero value defaults Rate from devclass.Detect.
	IngestOptions ingest.Options

	MigrationHooks []negotiate.MigrationHook
}

// Engine is one collection's fully wired client stack.
type Engine struct {
	collection string

	doc        *crdt.Document
	view       *view.View[map[string]any]
	checkpoint *checkpoint.Store
	barrier    *barrier.Barrier
	api        *apiclient.Client
	ingestor   *ingest.Ingestor
	sub        *subscription.Controller
	outboxQ    *outbox.Queue
	drainer    *outbox.Drainer
	elector    *leader.Elector
	negotiator *negotiate.Negotiator

	// writeMu serializes the optimistic-apply-then-enqueue pair against
	// concurrent ingest applies so the two never interleave.
	writeMu sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pullNow chan struct{}
}

// New constructs an Engine for cfg.Collection. It does not contact the
// network or start any goroutines; call Start for that.
func New(cfg Config) (*Engine, error) {
	if cfg.KV == nil {
		return nil, errs.New(errs.KindStorage, "engine requires a non-nil kvstore", nil)
	}
	if cfg.Collection == "" {
		return nil, errs.New(errs.KindValidation, "engine requires a collection name", nil)
	}

	clientID, err := loadOrCreateClientID(cfg.KV)
	if err != nil {
		return nil, err
	}

	api := apiclient.New(cfg.BaseURL, cfg.HTTPClient)
	doc := crdt.NewDocument(cfg.Collection, clientID)
	v := view.New[map[string]any]()
	cp := checkpoint.New(cfg.KV)
	b := barrier.New()

	if cfg.IngestOptions.Rate <= 0 {
		cfg.IngestOptions.Rate = devclass.Rate(devclass.Detect())
	}
	ingestor := ingest.New(api, doc, v, cp, b, cfg.Collection, cfg.IngestOptions)

	dial := func(ctx context.Context) (subscription.Transport, error) {
		return wsclient.Dial(ctx, cfg.WSURL)
	}
	sub := subscription.New(dial, cfg.Collection)

	outboxQ := outbox.New(cfg.KV)

	e := &Engine{
		collection: cfg.Collection,
		doc:        doc,
		view:       v,
		checkpoint: cp,
		barrier:    b,
		api:        api,
		ingestor:   ingestor,
		sub:        sub,
		outboxQ:    outboxQ,
		negotiator: negotiate.New(api, cfg.KV, cfg.MigrationHooks...),
		pullNow:    make(chan struct{}, 1),
	}

	e.drainer = outbox.NewDrainer(outboxQ, api, b, func(entry model.OutboxEntry, err error) {
		log.Warn().Err(err).Str("collection", cfg.Collection).Uint64("id", entry.ID).Msg("outbox entry dropped permanently")
	})

	if cfg.OutboxLockPath != "" {
		e.elector = leader.New(cfg.OutboxLockPath, cfg.KV, func(isLeader bool) {
			if isLeader {
				e.drainer.Start(e.runningCtx())
			} else {
				e.drainer.Stop()
			}
		})
	}

	return e, nil
}

// View exposes the collection's live materialized view for read access
// and change subscriptions.
func (e *Engine) View() *view.View[map[string]any] { return e.view }

// Start runs protocol negotiation, then launches the ingest, subscription
// and (if configured) leader-election/drain loops in the background. It
// returns once negotiation succeeds; background work continues until ctx
// is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.negotiator.Initialize(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.ctx = runCtx
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.ingestLoop(runCtx)

	if err := e.sub.Create(runCtx, 0, e.onNotification); err != nil {
		log.Warn().Err(err).Str("collection", e.collection).Msg("initial subscription failed, ingest will not be woken by change notifications")
	}

	if e.elector != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.elector.Run(runCtx)
		}()
	} else {
		// No cross-process coordination configured: this process is
		// always the sole drainer.
		e.drainer.Start(runCtx)
	}

	return nil
}

// Stop halts all background work and releases the subscription
// transport and outbox leadership (if held).
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.sub.Cleanup()
	if e.elector != nil {
		e.elector.Stop()
	}
	e.drainer.Stop()
	e.wg.Wait()
}

// runningCtx returns the context live for the duration of the current
// Start/Stop cycle, or Background if Start has not been called yet (a
// leadership callback can fire before Start's elector.Run goroutine is
// even launched).
func (e *Engine) runningCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) ingestLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		if err := e.ingestor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("collection", e.collection).Msg("ingest pass failed, will retry")
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-e.pullNow:
		}
	}
}

// onNotification is the subscription handler: a "collection changed"
// push wakes the ingest loop for an immediate catch-up pull. Between
// notifications the ingest loop makes no pulls of its own.
func (e *Engine) onNotification(n subscription.Notification) {
	e.barrier.Observe(n.DocumentID, n.Timestamp)
	select {
	case e.pullNow <- struct{}{}:
	default:
	}
}

// Insert enqueues a new document: applies the mutation optimistically to
// the local CRDT document and view, then durably enqueues it for the
// outbox drain loop to send.
func (e *Engine) Insert(ctx context.Context, documentID string, fields map[string]any) error {
	return e.mutate(ctx, documentID, crdt.MutationInsert, model.KindInsert, fields)
}

// Update applies a partial field update to documentID.
func (e *Engine) Update(ctx context.Context, documentID string, fields map[string]any) error {
	return e.mutate(ctx, documentID, crdt.MutationUpdate, model.KindUpdate, fields)
}

// Delete tombstones documentID.
func (e *Engine) Delete(ctx context.Context, documentID string) error {
	return e.mutate(ctx, documentID, crdt.MutationDelete, model.KindDelete, nil)
}

func (e *Engine) mutate(ctx context.Context, documentID string, kind crdt.MutationKind, outboxKind model.OutboxEntryKind, fields map[string]any) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	crdtBytes, err := e.doc.EncodeMutation(documentID, kind, fields)
	if err != nil {
		return err
	}

	switch kind {
	case crdt.MutationDelete:
		e.view.Delete(documentID)
	case crdt.MutationInsert:
		if merged, ok := e.doc.Get(documentID); ok {
			e.view.Insert(documentID, merged)
		}
	default:
		if merged, ok := e.doc.Get(documentID); ok {
			e.view.Update(documentID, func(map[string]any) map[string]any { return merged })
		}
	}

	entry := model.OutboxEntry{
		Collection:      e.collection,
		Kind:            outboxKind,
		DocumentID:      documentID,
		CRDTBytes:       crdtBytes,
		MaterializedDoc: fields,
		CreatedAt:       time.Now(),
	}
	if _, err := e.outboxQ.Enqueue(entry); err != nil {
		return err
	}
	e.drainer.Kick()
	return nil
}

func loadOrCreateClientID(kv kvstore.Store) (uint32, error) {
	data, ok, err := kv.Get(identityBucket, clientIDKey)
	if err != nil {
		return 0, errs.New(errs.KindStorage, "load client id", err)
	}
	if ok {
		var id uint32
		if err := json.Unmarshal(data, &id); err != nil {
			return 0, errs.New(errs.KindStorage, "decode client id", err)
		}
		return id, nil
	}

	id, err := crdt.RandomClientID()
	if err != nil {
		return 0, errs.New(errs.KindStorage, "generate client id", err)
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return 0, errs.New(errs.KindStorage, "encode client id", err)
	}
	if err := kv.Put(identityBucket, clientIDKey, encoded); err != nil {
		return 0, errs.New(errs.KindStorage, "persist client id", err)
	}
	return id, nil
}
