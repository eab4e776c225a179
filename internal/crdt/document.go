// Package crdt implements driftkit's per-collection CRDT document: a
// Yjs-V2-compatible operation-based CRDT (see encoding.go for the wire
// format). Local mutations are encoded as update bytes; remote updates
// merge via last-writer-wins registers stamped with a (clientID, counter)
// causal pair, which is what Yjs itself uses under the hood for its map
// type. The codec supports state-vector diffing, idempotent apply, and
// byte-stable merged updates a compactor can validate by containment.
package crdt

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftkit/driftkit/internal/errs"
)

// MaxUpdateSize is the hard cap on a single encoded update.
const MaxUpdateSize = 10 * 1024 * 1024 // 10 MiB

// Origin tags why ApplyUpdate is being called.
type Origin string

const (
	OriginSnapshot     Origin = "snapshot"
	OriginSubscription Origin = "subscription"
	OriginUser         Origin = "user"
)

// MutationKind is the kind of local mutation being encoded.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// register is a single last-writer-wins field value stamped with a causal
// (clientID, counter) pair.
type register struct {
	clientID uint32
	counter  uint64
	value    any
}

// wins reports whether incoming should replace current under the
// document's total order: higher counter wins; ties broken by higher
// clientID (mirrors Yjs's own clientID tiebreak).
func (cur register) wins(incoming register) bool {
	if incoming.counter != cur.counter {
		return incoming.counter > cur.counter
	}
	return incoming.clientID > cur.clientID
}

// docRecord is the per-document state: a deleted tombstone register plus
// one LWW register per user field.
type docRecord struct {
	deleted register // value is bool
	fields  map[string]register
}

// StateVector summarizes, per clientID, the highest counter this document
// has observed from that client.
type StateVector map[uint32]uint64

// clone returns a copy safe to hand to callers.
func (sv StateVector) clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Document is a per-collection CRDT handle.
type Document struct {
	mu         sync.Mutex
	collection string
	clientID   uint32
	counter    uint64
	docs       map[string]*docRecord
	sv         StateVector
}

// NewDocument creates a document for collection, seeded with clientID (the
// stable 31-bit identifier persisted to the client's key-value store on
// first use — see internal/client/engine and internal/kvstore).
func NewDocument(collection string, clientID uint32) *Document {
	return &Document{
		collection: collection,
		clientID:   clientID,
		docs:       make(map[string]*docRecord),
		sv:         make(StateVector),
	}
}

// RandomClientID generates a random 31-bit identifier, matching Yjs's own
// clientID domain (positive int32).
func RandomClientID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint32(b[:])
	return id & 0x7fffffff, nil
}

// ClientID returns the document's persistent client identifier.
func (d *Document) ClientID() uint32 { return d.clientID }

// Collection returns the collection name this document belongs to.
func (d *Document) Collection() string { return d.collection }

// StateVector returns a snapshot of the document's current causal
// knowledge.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.clone()
}

// EncodeMutation performs a local mutation (insert/update/delete) inside
// an internal transaction bracketed by a state-vector capture and a
// state-as-update encoding, and returns the delta bytes for just that
// mutation.
func (d *Document) EncodeMutation(documentID string, kind MutationKind, fields map[string]any) ([]byte, error) {
	d.mu.Lock()
	before := d.sv.clone()

	rec, ok := d.docs[documentID]
	if !ok {
		rec = &docRecord{fields: make(map[string]register)}
		d.docs[documentID] = rec
	}

	switch kind {
	case MutationDelete:
		d.counter++
		d.sv[d.clientID] = d.counter
		rec.deleted = register{clientID: d.clientID, counter: d.counter, value: true}
	case MutationInsert, MutationUpdate:
		for name, value := range fields {
			d.counter++
			d.sv[d.clientID] = d.counter
			rec.fields[name] = register{clientID: d.clientID, counter: d.counter, value: value}
		}
	default:
		d.mu.Unlock()
		return nil, errs.New(errs.KindCRDTEncoding, fmt.Sprintf("unknown mutation kind %q", kind), nil)
	}

	bytes, err := d.diffSinceLocked(before)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return validateEncoded(bytes)
}

// diffSinceLocked must be called with d.mu held; it encodes every register
// across every document whose (clientID, counter) is not already known by
// `known`, mirroring Yjs's encodeStateAsUpdate(doc, stateVector).
func (d *Document) diffSinceLocked(known StateVector) ([]byte, error) {
	var ops []encodedOp
	for docID, rec := range d.docs {
		if isNew(known, rec.deleted) {
			ops = append(ops, encodedOp{documentID: docID, kind: opDelete, reg: rec.deleted})
		}
		for field, reg := range rec.fields {
			if isNew(known, reg) {
				ops = append(ops, encodedOp{documentID: docID, kind: opSet, field: field, reg: reg})
			}
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].documentID != ops[j].documentID {
			return ops[i].documentID < ops[j].documentID
		}
		if ops[i].kind != ops[j].kind {
			return ops[i].kind < ops[j].kind
		}
		return ops[i].field < ops[j].field
	})
	return encodeOps(ops)
}

func isNew(known StateVector, r register) bool {
	if r.clientID == 0 && r.counter == 0 {
		return false // zero-value register, never written
	}
	return r.counter > known[r.clientID]
}

// Snapshot merges the document's entire current state into a single
// update, used by getInitialState and by the compactor's validation step.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.diffSinceLocked(nil)
}

// ApplyUpdate merges remote update bytes into the document, retrying up to
// three times with a 2s per-attempt timeout. origin classifies the source
// for downstream logging/metrics.
func (d *Document) ApplyUpdate(ctx context.Context, update []byte, origin Origin) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.applyOnce(attemptCtx, update)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attemptCtx.Err() == context.Canceled && ctx.Err() == context.Canceled {
			break
		}
	}
	return errs.New(errs.KindCRDTApplication, fmt.Sprintf("apply update (origin=%s) failed after 3 attempts", origin), lastErr)
}

func (d *Document) applyOnce(ctx context.Context, update []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range ops {
		rec, ok := d.docs[op.documentID]
		if !ok {
			rec = &docRecord{fields: make(map[string]register)}
			d.docs[op.documentID] = rec
		}
		switch op.kind {
		case opDelete:
			if rec.deleted.wins(op.reg) {
				rec.deleted = op.reg
			}
		case opSet:
			cur := rec.fields[op.field]
			if cur.wins(op.reg) {
				rec.fields[op.field] = op.reg
			}
		}
		if op.reg.counter > d.sv[op.reg.clientID] {
			d.sv[op.reg.clientID] = op.reg.counter
		}
	}
	return nil
}

// Map returns a read-only materialized projection of every live (not
// deleted) document, used to seed the materialized view after a snapshot
// apply.
func (d *Document) Map() map[string]map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]map[string]any, len(d.docs))
	for id, rec := range d.docs {
		if deleted, ok := rec.deleted.value.(bool); ok && deleted {
			continue
		}
		fields := make(map[string]any, len(rec.fields))
		for name, reg := range rec.fields {
			fields[name] = reg.value
		}
		out[id] = fields
	}
	return out
}

// Get returns the materialized fields for a single document, and whether
// it exists and is not deleted.
func (d *Document) Get(documentID string) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.docs[documentID]
	if !ok {
		return nil, false
	}
	if deleted, ok := rec.deleted.value.(bool); ok && deleted {
		return nil, false
	}
	fields := make(map[string]any, len(rec.fields))
	for name, reg := range rec.fields {
		fields[name] = reg.value
	}
	return fields, true
}

// Known reports whether documentID has ever been written to this
// document, regardless of whether it is currently tombstoned. Used by the
// compactor's merge-validation step, where a document legitimately
// absent from Map() because a later delta deleted it is not a validation
// failure.
func (d *Document) Known(documentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.docs[documentID]
	return ok
}

func validateEncoded(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errs.New(errs.KindCRDTEncoding, "produced update is empty", nil)
	}
	if len(b) > MaxUpdateSize {
		return nil, errs.New(errs.KindCRDTEncoding, fmt.Sprintf("produced update exceeds %d bytes", MaxUpdateSize), nil)
	}
	return b, nil
}
