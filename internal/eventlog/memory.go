package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driftkit/driftkit/internal/model"
)

// MemoryEventLog is an in-memory, mutex-protected EventLog backing unit
// tests and cmd/driftd when DATABASE_URL is unset.
type MemoryEventLog struct {
	mu        sync.Mutex
	clock     uint64
	deltas    map[string][]model.Delta
	snapshots map[string][]model.Snapshot
}

// NewMemoryEventLog returns an empty MemoryEventLog.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		deltas:    make(map[string][]model.Delta),
		snapshots: make(map[string][]model.Snapshot),
	}
}

func (m *MemoryEventLog) nextTimestamp() uint64 {
	m.clock++
	return m.clock
}

func (m *MemoryEventLog) AppendDelta(ctx context.Context, delta model.Delta) (model.Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delta.Timestamp = m.nextTimestamp()
	m.deltas[delta.Collection] = append(m.deltas[delta.Collection], delta)
	return delta, nil
}

func (m *MemoryEventLog) Stream(ctx context.Context, collection string, checkpoint uint64, limit int) (model.StreamResponse, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.deltas[collection]

	var page []model.Delta
	for _, d := range all {
		if d.Timestamp > checkpoint {
			page = append(page, d)
			if len(page) == limit {
				break
			}
		}
	}

	if len(page) > 0 {
		return m.deltasToResponse(page, len(page) == limit), nil
	}

	if len(all) == 0 {
		return model.StreamResponse{Checkpoint: model.Checkpoint{LastModified: checkpoint}}, nil
	}

	oldest := all[0]
	if checkpoint >= oldest.Timestamp {
		return model.StreamResponse{Checkpoint: model.Checkpoint{LastModified: checkpoint}}, nil
	}

	snaps := m.snapshots[collection]
	if len(snaps) == 0 {
		return model.StreamResponse{}, newGapWithoutSnapshotError(collection)
	}
	latest := snaps[len(snaps)-1]
	return model.StreamResponse{
		Changes: []model.Change{{
			Type:      model.OpSnapshot,
			CRDTBytes: latest.SnapshotBytes,
			Timestamp: latest.LatestCompactionTimestamp,
		}},
		Checkpoint: model.Checkpoint{LastModified: latest.LatestCompactionTimestamp},
		HasMore:    false,
	}, nil
}

func (m *MemoryEventLog) deltasToResponse(page []model.Delta, hasMore bool) model.StreamResponse {
	changes := make([]model.Change, len(page))
	var maxTS uint64
	for i, d := range page {
		changes[i] = model.Change{
			Type:       model.OpDelta,
			DocumentID: d.DocumentID,
			CRDTBytes:  d.CRDTBytes,
			Version:    d.Version,
			Timestamp:  d.Timestamp,
		}
		if d.Timestamp > maxTS {
			maxTS = d.Timestamp
		}
	}
	return model.StreamResponse{Changes: changes, Checkpoint: model.Checkpoint{LastModified: maxTS}, HasMore: hasMore}
}

func (m *MemoryEventLog) GetInitialState(ctx context.Context, collection string) (model.InitialState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snaps := m.snapshots[collection]; len(snaps) > 0 {
		latest := snaps[len(snaps)-1]
		return model.InitialState{
			CRDTBytes:  latest.SnapshotBytes,
			Checkpoint: model.Checkpoint{LastModified: latest.LatestCompactionTimestamp},
		}, true, nil
	}

	all := m.deltas[collection]
	if len(all) == 0 {
		return model.InitialState{}, false, nil
	}

	var maxTS uint64
	var merged []byte
	for _, d := range all {
		merged = append(merged, d.CRDTBytes...)
		if d.Timestamp > maxTS {
			maxTS = d.Timestamp
		}
	}
	return model.InitialState{CRDTBytes: merged, Checkpoint: model.Checkpoint{LastModified: maxTS}}, true, nil
}

func (m *MemoryEventLog) OldestDelta(ctx context.Context, collection string) (model.Delta, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.deltas[collection]
	if len(all) == 0 {
		return model.Delta{}, false, nil
	}
	return all[0], true, nil
}

func (m *MemoryEventLog) LatestSnapshot(ctx context.Context, collection string) (model.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.snapshots[collection]
	if len(snaps) == 0 {
		return model.Snapshot{}, false, nil
	}
	return snaps[len(snaps)-1], true, nil
}

func (m *MemoryEventLog) DeltasOlderThan(ctx context.Context, collection string, cutoff uint64) ([]model.Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Delta
	for _, d := range m.deltas[collection] {
		if d.Timestamp < cutoff {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *MemoryEventLog) ReplaceWithSnapshot(ctx context.Context, collection string, snap model.Snapshot, deltaCutoff uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[collection] = append(m.snapshots[collection], snap)

	var remaining []model.Delta
	for _, d := range m.deltas[collection] {
		if d.Timestamp > deltaCutoff {
			remaining = append(remaining, d)
		}
	}
	m.deltas[collection] = remaining
	return nil
}

func (m *MemoryEventLog) PruneSnapshots(ctx context.Context, collection string, keepMinimum int, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.snapshots[collection]
	if len(snaps) <= keepMinimum {
		return 0, nil
	}

	cutoffUnix := uint64(olderThan.Unix())
	keepFromIndex := len(snaps) - keepMinimum // snaps beyond this index are always kept

	var kept []model.Snapshot
	deleted := 0
	for i, s := range snaps {
		if i >= keepFromIndex || s.CreatedAt >= cutoffUnix {
			kept = append(kept, s)
			continue
		}
		deleted++
	}
	m.snapshots[collection] = kept
	return deleted, nil
}
