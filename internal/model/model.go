// Package model defines the wire and storage vocabulary shared by the
// server and client halves of driftkit: deltas, snapshots, materialized
// records, checkpoints, outbox entries and protocol metadata.
package model

import "time"

// OperationType tags a changeset entry returned from a stream pull.
type OperationType string

const (
	OpDelta    OperationType = "delta"
	OpSnapshot OperationType = "snapshot"
	OpDiff     OperationType = "diff"
)

// Delta is a single append-only CRDT update keyed by collection and
// server-assigned timestamp.
type Delta struct {
	Collection string `json:"collection"`
	DocumentID string `json:"documentId,omitempty"`
	CRDTBytes  []byte `json:"crdtBytes"`
	Version    uint64 `json:"version"`
	Timestamp  uint64 `json:"timestamp"`
}

// OperationType classifies this entry when it travels inside a Change.
func (d Delta) OperationType() OperationType { return OpDelta }

// Snapshot is a merged update produced by compaction.
type Snapshot struct {
	Collection                string `json:"collection"`
	SnapshotBytes              []byte `json:"snapshotBytes"`
	LatestCompactionTimestamp uint64 `json:"latestCompactionTimestamp"`
	CreatedAt                 uint64 `json:"createdAt"`
}

// MaterializedRecord is a row of the server's per-collection read table.
type MaterializedRecord struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Version   uint64         `json:"version"`
	Timestamp uint64         `json:"timestamp"`
}

// Checkpoint is the client's durable per-collection watermark.
type Checkpoint struct {
	LastModified uint64 `json:"lastModified"`
}

// Change is one entry of a stream() response: either a Delta or a Snapshot,
// tagged by Type.
type Change struct {
	Type       OperationType `json:"operationType"`
	DocumentID string        `json:"documentId,omitempty"`
	CRDTBytes  []byte        `json:"crdtBytes"`
	Version    uint64        `json:"version,omitempty"`
	Timestamp  uint64        `json:"timestamp"`
}

// StreamResponse is the result of a stream() pull.
type StreamResponse struct {
	Changes    []Change   `json:"changes"`
	Checkpoint Checkpoint `json:"checkpoint"`
	HasMore    bool       `json:"hasMore"`
}

// InitialState is the SSR-oriented full-state response.
type InitialState struct {
	CRDTBytes  []byte     `json:"crdtBytes"`
	Checkpoint Checkpoint `json:"checkpoint"`
}

// OutboxEntryKind is the kind of mutation a queued outbox entry represents.
type OutboxEntryKind string

const (
	KindInsert OutboxEntryKind = "insert"
	KindUpdate OutboxEntryKind = "update"
	KindDelete OutboxEntryKind = "delete"
)

// OutboxEntry is a durable, pending client mutation awaiting server ack.
type OutboxEntry struct {
	ID              uint64          `json:"id"`
	IdempotencyKey  string          `json:"-"` // never transmitted
	Collection      string          `json:"collection"`
	Kind            OutboxEntryKind `json:"kind"`
	DocumentID      string          `json:"documentId"`
	MaterializedDoc map[string]any  `json:"materializedDoc"`
	CRDTBytes       []byte          `json:"crdtBytes"`
	Version         uint64          `json:"version"`
	SchemaVersion   uint32          `json:"schemaVersion,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	Attempts        int             `json:"attempts"`
	NextAttemptAt   time.Time       `json:"nextAttemptAt"`
}

// Age reports how long ago the entry was created.
func (e OutboxEntry) Age(now time.Time) time.Duration { return now.Sub(e.CreatedAt) }

// MutationResult is returned by insert/update/remove.
type MutationResult struct {
	Success  bool             `json:"success"`
	Metadata MutationMetadata `json:"metadata"`
}

// MutationMetadata correlates a mutation with its server-assigned identity.
type MutationMetadata struct {
	DocumentID string `json:"documentId"`
	Timestamp  uint64 `json:"timestamp"`
	Version    uint64 `json:"version"`
	Collection string `json:"collection"`
}

// ProtocolMetadata is the client's locally persisted protocol version.
type ProtocolMetadata struct {
	ProtocolVersion uint32 `json:"protocolVersion"`
}

// ProtocolVersionResponse is returned by getProtocolVersion().
type ProtocolVersionResponse struct {
	ProtocolVersion uint32 `json:"protocolVersion"`
}
