// Package negotiate implements the client's protocol negotiator: a
// one-time, memoized handshake that compares the server's protocol
// version against the client's locally persisted one and runs any
// migration hooks needed to bridge the gap. The persisted version lives
// in internal/kvstore rather than in memory, so the handshake result
// survives a restart.
package negotiate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/kvstore"
	"github.com/driftkit/driftkit/internal/model"
)

const bucket = "protocol"
const metadataKey = "metadata"

// VersionFetcher retrieves the server's current protocol version, i.e.
// the client's getProtocolVersion() wire call.
type VersionFetcher interface {
	GetProtocolVersion(ctx context.Context) (uint32, error)
}

// MigrationHook runs when the server's protocol version is greater than
// the client's locally persisted one. Hooks run in the order registered,
// from is the client's prior version and to is the server's version.
type MigrationHook func(ctx context.Context, from, to uint32) error

// Negotiator performs the client's one-time protocol handshake.
type Negotiator struct {
	fetcher VersionFetcher
	kv      kvstore.Store
	hooks   []MigrationHook

	mu       sync.Mutex
	done     bool
	doneErr  error
	inFlight chan struct{}
}

// New constructs a Negotiator. hooks run in order when a migration is
// needed; pass none if the client has no migrations yet.
func New(fetcher VersionFetcher, kv kvstore.Store, hooks ...MigrationHook) *Negotiator {
	return &Negotiator{fetcher: fetcher, kv: kv, hooks: hooks}
}

// Initialize runs the handshake exactly once: subsequent calls return
// the first call's result without re-fetching. A failed attempt resets
// the memoization so a later retry can re-run the handshake from
// scratch.
func (n *Negotiator) Initialize(ctx context.Context) error {
	n.mu.Lock()
	if n.done {
		err := n.doneErr
		n.mu.Unlock()
		return err
	}
	if n.inFlight != nil {
		ch := n.inFlight
		n.mu.Unlock()
		select {
		case <-ch:
			return n.Initialize(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	n.inFlight = ch
	n.mu.Unlock()

	err := n.run(ctx)

	n.mu.Lock()
	n.inFlight = nil
	if err != nil {
		n.done = false
		n.doneErr = nil
	} else {
		n.done = true
		n.doneErr = nil
	}
	n.mu.Unlock()
	close(ch)

	return err
}

func (n *Negotiator) run(ctx context.Context) error {
	serverVersion, err := n.fetcher.GetProtocolVersion(ctx)
	if err != nil {
		return errs.New(errs.KindProtocolInit, "fetch server protocol version", err)
	}

	local, err := n.load()
	if err != nil {
		return err
	}

	if serverVersion > local.ProtocolVersion {
		for _, hook := range n.hooks {
			if err := hook(ctx, local.ProtocolVersion, serverVersion); err != nil {
				return errs.New(errs.KindMigration,
					fmt.Sprintf("migrate protocol %d -> %d", local.ProtocolVersion, serverVersion), err)
			}
		}
	}

	if serverVersion != local.ProtocolVersion {
		if err := n.save(model.ProtocolMetadata{ProtocolVersion: serverVersion}); err != nil {
			return err
		}
	}
	return nil
}

func (n *Negotiator) load() (model.ProtocolMetadata, error) {
	data, ok, err := n.kv.Get(bucket, metadataKey)
	if err != nil {
		return model.ProtocolMetadata{}, errs.New(errs.KindProtocolInit, "load protocol metadata", err)
	}
	if !ok {
		return model.ProtocolMetadata{ProtocolVersion: 0}, nil
	}
	var meta model.ProtocolMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return model.ProtocolMetadata{}, errs.New(errs.KindProtocolInit, "decode protocol metadata", err)
	}
	return meta, nil
}

func (n *Negotiator) save(meta model.ProtocolMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return errs.New(errs.KindProtocolInit, "encode protocol metadata", err)
	}
	if err := n.kv.Put(bucket, metadataKey, data); err != nil {
		return errs.New(errs.KindProtocolInit, "save protocol metadata", err)
	}
	return nil
}
