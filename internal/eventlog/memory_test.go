package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/model"
)

func TestStreamReturnsPageOrderedByTimestamp(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := log.AppendDelta(ctx, model.Delta{Collection: "todos", DocumentID: "d", CRDTBytes: []byte("x"), Version: 1}); err != nil {
			t.Fatalf("AppendDelta: %v", err)
		}
	}

	resp, err := log.Stream(ctx, "todos", 0, 3)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(resp.Changes) != 3 {
		t.Fatalf("len(Changes) = %d, want 3", len(resp.Changes))
	}
	if !resp.HasMore {
		t.Error("expected HasMore=true when page is full")
	}
	var last uint64
	for _, c := range resp.Changes {
		if c.Timestamp <= last {
			t.Errorf("changes not in ascending timestamp order: %d after %d", c.Timestamp, last)
		}
		last = c.Timestamp
	}
	if resp.Checkpoint.LastModified != last {
		t.Errorf("checkpoint = %d, want max timestamp %d", resp.Checkpoint.LastModified, last)
	}
}

func TestStreamEmptyWhenCaughtUp(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	d, err := log.AppendDelta(ctx, model.Delta{Collection: "todos", CRDTBytes: []byte("x"), Version: 1})
	if err != nil {
		t.Fatalf("AppendDelta: %v", err)
	}

	resp, err := log.Stream(ctx, "todos", d.Timestamp, 10)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(resp.Changes) != 0 || resp.HasMore {
		t.Errorf("expected empty, caught-up response, got %#v", resp)
	}
}

func TestStreamGapWithoutSnapshotFails(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	d, err := log.AppendDelta(ctx, model.Delta{Collection: "todos", CRDTBytes: []byte("x"), Version: 1})
	if err != nil {
		t.Fatalf("AppendDelta: %v", err)
	}

	_, err = log.Stream(ctx, "todos", d.Timestamp-1000, 10)
	if err == nil {
		t.Fatal("expected GapWithoutSnapshotError")
	}
	if got := errs.Retriable(err); got {
		t.Error("GapWithoutSnapshotError should not be retriable")
	}
}

func TestStreamReturnsSnapshotAfterCompaction(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	var deltas []model.Delta
	for i := 0; i < 10; i++ {
		d, err := log.AppendDelta(ctx, model.Delta{Collection: "todos", DocumentID: "d", CRDTBytes: []byte{byte(i)}, Version: uint64(i + 1)})
		if err != nil {
			t.Fatalf("AppendDelta: %v", err)
		}
		deltas = append(deltas, d)
	}

	cutoff := deltas[6].Timestamp
	snap := model.Snapshot{Collection: "todos", SnapshotBytes: []byte("merged"), LatestCompactionTimestamp: cutoff, CreatedAt: 1}
	if err := log.ReplaceWithSnapshot(ctx, "todos", snap, cutoff); err != nil {
		t.Fatalf("ReplaceWithSnapshot: %v", err)
	}

	resp, err := log.Stream(ctx, "todos", 0, 100)
	if err != nil {
		t.Fatalf("Stream after compaction: %v", err)
	}
	if len(resp.Changes) != 1 || resp.Changes[0].Type != model.OpSnapshot {
		t.Fatalf("expected exactly one snapshot change, got %#v", resp.Changes)
	}
	if resp.Checkpoint.LastModified != cutoff {
		t.Errorf("checkpoint = %d, want %d", resp.Checkpoint.LastModified, cutoff)
	}

	resp2, err := log.Stream(ctx, "todos", cutoff, 100)
	if err != nil {
		t.Fatalf("Stream for remaining deltas: %v", err)
	}
	if len(resp2.Changes) != 3 {
		t.Fatalf("expected 3 remaining deltas after snapshot cutoff, got %d", len(resp2.Changes))
	}
}

func TestGetInitialStateEmptyCollection(t *testing.T) {
	log := NewMemoryEventLog()
	_, ok, err := log.GetInitialState(context.Background(), "nothing-here")
	if err != nil {
		t.Fatalf("GetInitialState: %v", err)
	}
	if ok {
		t.Error("expected ok=false for empty collection")
	}
}

func TestPruneSnapshotsKeepsMinimum(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		snap := model.Snapshot{Collection: "todos", SnapshotBytes: []byte("s"), CreatedAt: uint64(i)}
		if err := log.ReplaceWithSnapshot(ctx, "todos", snap, 0); err != nil {
			t.Fatalf("ReplaceWithSnapshot: %v", err)
		}
	}

	deleted, err := log.PruneSnapshots(ctx, "todos", 2, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	snap, ok, err := log.LatestSnapshot(ctx, "todos")
	if err != nil || !ok {
		t.Fatalf("LatestSnapshot after prune: ok=%v err=%v", ok, err)
	}
	if snap.CreatedAt != 3 {
		t.Errorf("expected most recent snapshot to survive, got CreatedAt=%d", snap.CreatedAt)
	}
}
