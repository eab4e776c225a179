// Package checkpoint implements the client's durable per-collection
// watermark: save/load/clear over internal/kvstore, with a monotone
// guard so a stale replay can never roll a collection's checkpoint
// backwards.
package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/kvstore"
	"github.com/driftkit/driftkit/internal/model"
)

const bucket = "checkpoints"

// Store is the durable, monotone checkpoint watermark keyed by
// collection.
type Store struct {
	kv kvstore.Store
}

// New wraps kv as a checkpoint Store.
func New(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// Save persists checkpoint for collection. A checkpoint whose
// LastModified is strictly less than the stored value is refused as a
// no-op, not an error, so a stale replay can never roll the watermark
// backwards.
func (s *Store) Save(collection string, cp model.Checkpoint) error {
	current, err := s.Load(collection)
	if err != nil {
		return err
	}
	if cp.LastModified < current.LastModified {
		return nil
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return errs.New(errs.KindCheckpoint, "marshal checkpoint", err)
	}
	if err := s.kv.Put(bucket, collection, data); err != nil {
		return errs.New(errs.KindCheckpoint, fmt.Sprintf("save checkpoint for %q", collection), err)
	}
	return nil
}

// Load returns the stored checkpoint for collection, or {LastModified: 0}
// if none has been saved yet.
func (s *Store) Load(collection string) (model.Checkpoint, error) {
	data, ok, err := s.kv.Get(bucket, collection)
	if err != nil {
		return model.Checkpoint{}, errs.New(errs.KindCheckpoint, fmt.Sprintf("load checkpoint for %q", collection), err)
	}
	if !ok {
		return model.Checkpoint{LastModified: 0}, nil
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, errs.New(errs.KindCheckpoint, fmt.Sprintf("decode checkpoint for %q", collection), err)
	}
	return cp, nil
}

// Clear removes the stored checkpoint for collection.
func (s *Store) Clear(collection string) error {
	if err := s.kv.Delete(bucket, collection); err != nil {
		return errs.New(errs.KindCheckpoint, fmt.Sprintf("clear checkpoint for %q", collection), err)
	}
	return nil
}
