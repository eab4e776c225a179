package writer

import (
	"context"
	"sync"

	"github.com/driftkit/driftkit/internal/eventlog"
	"github.com/driftkit/driftkit/internal/model"
)

// MemoryBackend implements Backend over a MemoryEventLog plus an
// in-process materialized map. Used by unit tests and by cmd/driftd when
// DATABASE_URL is unset. Not transactionally atomic across the two
// stores (there is nothing to roll back in-process): the delta is
// appended to the event log before the hook runs, and a hook failure
// only keeps the materialized record from being written; the appended
// delta stays in the log.
type MemoryBackend struct {
	log *eventlog.MemoryEventLog

	mu      sync.Mutex
	records map[string]map[string]model.MaterializedRecord // collection -> documentID -> record
}

// NewMemoryBackend wraps log with an in-memory materialized store.
func NewMemoryBackend(log *eventlog.MemoryEventLog) *MemoryBackend {
	return &MemoryBackend{log: log, records: make(map[string]map[string]model.MaterializedRecord)}
}

func (b *MemoryBackend) Persist(ctx context.Context, kind model.OutboxEntryKind, collectionName, documentID string, crdtBytes []byte, fields map[string]any, version uint64, hook func() error) (uint64, error) {
	delta, err := b.log.AppendDelta(ctx, model.Delta{
		Collection: collectionName,
		DocumentID: documentID,
		CRDTBytes:  crdtBytes,
		Version:    version,
	})
	if err != nil {
		return 0, err
	}

	if err := hook(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	docs, ok := b.records[collectionName]
	if !ok {
		docs = make(map[string]model.MaterializedRecord)
		b.records[collectionName] = docs
	}
	if kind == model.KindDelete {
		delete(docs, documentID)
	} else {
		docs[documentID] = model.MaterializedRecord{
			ID:        documentID,
			Fields:    fields,
			Version:   version,
			Timestamp: delta.Timestamp,
		}
	}
	return delta.Timestamp, nil
}

func (b *MemoryBackend) GetMaterialized(ctx context.Context, collectionName, documentID string) (model.MaterializedRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	docs, ok := b.records[collectionName]
	if !ok {
		return model.MaterializedRecord{}, false, nil
	}
	rec, ok := docs[documentID]
	return rec, ok, nil
}

var _ Backend = (*MemoryBackend)(nil)
