// Package kvstore is the client's durable local storage layer: a single
// bbolt file holding the offline outbox, checkpoint state vectors, the
// persisted clientID, and negotiated protocol metadata, exposed as a
// single bucket/key/value contract the client packages lay their own
// schemas on top of.
package kvstore

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/driftkit/driftkit/internal/errs"
)

// Store is the contract client packages use for durable local state.
// internal/client/checkpoint, internal/client/outbox and
// internal/client/negotiate each own one or more buckets and never touch
// bbolt directly.
type Store interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, bool, error)
	Delete(bucket, key string) error
	ForEach(bucket string, fn func(key string, value []byte) error) error
	Close() error
}

// BoltStore is the bbolt-backed Store implementation.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errs.New(errs.KindStorage, fmt.Sprintf("open bbolt database at %s", path), err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put upserts value under key in bucket, creating the bucket on first use.
func (s *BoltStore) Put(bucket, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return errs.New(errs.KindStorage, fmt.Sprintf("put %s/%s", bucket, key), err)
	}
	return nil
}

// Get looks up key in bucket. The returned bool is false if the bucket or
// key does not exist (not an error: bbolt data is only valid for the
// transaction's lifetime, so the bytes are copied out before return).
func (s *BoltStore) Get(bucket, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		value = append([]byte(nil), data...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, errs.New(errs.KindStorage, fmt.Sprintf("get %s/%s", bucket, key), err)
	}
	return value, found, nil
}

// Delete removes key from bucket. Deleting a key from a non-existent
// bucket, or a key that was never set, is a no-op.
func (s *BoltStore) Delete(bucket, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return errs.New(errs.KindStorage, fmt.Sprintf("delete %s/%s", bucket, key), err)
	}
	return nil
}

// ForEach calls fn for every key/value pair in bucket, in bbolt's
// byte-sorted key order. A non-existent bucket yields zero calls.
func (s *BoltStore) ForEach(bucket string, fn func(key string, value []byte) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.New(errs.KindStorage, fmt.Sprintf("iterate bucket %s", bucket), err)
	}
	return nil
}
