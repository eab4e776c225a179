// Package outbox implements the client's offline transaction queue: a
// durable FIFO of pending mutations that survives process restarts,
// removed only once the server has acknowledged the mutation. FIFO order
// rides on internal/kvstore.BoltStore's byte-sorted bucket iteration,
// using monotone, zero-padded decimal keys in place of an `ORDER BY`
// clause.
package outbox

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/kvstore"
	"github.com/driftkit/driftkit/internal/model"
)

const (
	entriesBucket = "outbox_entries"
	metaBucket    = "outbox_meta"
	nextIDKey     = "next_id"
)

// Queue is a durable, monotone-ID FIFO of pending client mutations.
type Queue struct {
	kv kvstore.Store
	mu sync.Mutex
}

// New wraps kv as an outbox Queue.
func New(kv kvstore.Store) *Queue {
	return &Queue{kv: kv}
}

// Enqueue assigns entry a monotone ID and an idempotency key (if not
// already set) and durably persists it. The entry is visible to List
// immediately and survives a restart until Remove is called for its ID.
func (q *Queue) Enqueue(entry model.OutboxEntry) (model.OutboxEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, err := q.nextIDLocked()
	if err != nil {
		return model.OutboxEntry{}, err
	}
	entry.ID = id
	if entry.IdempotencyKey == "" {
		entry.IdempotencyKey = uuid.NewString()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return model.OutboxEntry{}, errs.New(errs.KindStorage, "encode outbox entry", err)
	}
	if err := q.kv.Put(entriesBucket, entryKey(id), data); err != nil {
		return model.OutboxEntry{}, errs.New(errs.KindStorage, fmt.Sprintf("persist outbox entry %d", id), err)
	}
	return entry, nil
}

// List returns every pending entry in FIFO order (oldest first).
func (q *Queue) List() ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	err := q.kv.ForEach(entriesBucket, func(key string, value []byte) error {
		var e model.OutboxEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.KindStorage, "list outbox entries", err)
	}
	return entries, nil
}

// Remove deletes the entry with id, called once the server has
// acknowledged its mutation. Removing an already-removed or unknown id
// is a no-op, matching the outbox's "removed exactly once" contract.
func (q *Queue) Remove(id uint64) error {
	if err := q.kv.Delete(entriesBucket, entryKey(id)); err != nil {
		return errs.New(errs.KindStorage, fmt.Sprintf("remove outbox entry %d", id), err)
	}
	return nil
}

// Update persists a mutated copy of an already-enqueued entry (used by
// the drain loop to record attempt counts and backoff deadlines without
// disturbing the entry's FIFO position).
func (q *Queue) Update(entry model.OutboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errs.New(errs.KindStorage, "encode outbox entry", err)
	}
	if err := q.kv.Put(entriesBucket, entryKey(entry.ID), data); err != nil {
		return errs.New(errs.KindStorage, fmt.Sprintf("persist outbox entry %d", entry.ID), err)
	}
	return nil
}

// Depth reports how many entries are currently pending, exposed as an
// operational signal for monitoring outbox backlog.
func (q *Queue) Depth() (int, error) {
	entries, err := q.List()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (q *Queue) nextIDLocked() (uint64, error) {
	data, ok, err := q.kv.Get(metaBucket, nextIDKey)
	if err != nil {
		return 0, errs.New(errs.KindStorage, "load outbox id counter", err)
	}
	var next uint64 = 1
	if ok {
		var stored uint64
		if err := json.Unmarshal(data, &stored); err != nil {
			return 0, errs.New(errs.KindStorage, "decode outbox id counter", err)
		}
		next = stored + 1
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return 0, errs.New(errs.KindStorage, "encode outbox id counter", err)
	}
	if err := q.kv.Put(metaBucket, nextIDKey, encoded); err != nil {
		return 0, errs.New(errs.KindStorage, "persist outbox id counter", err)
	}
	return next, nil
}

func entryKey(id uint64) string {
	return fmt.Sprintf("%020d", id)
}
