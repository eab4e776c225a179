// Package metrics exposes driftkit's Prometheus collectors via plain
// prometheus.NewXxxVec constructors and a /metrics handler, with no
// promauto indirection.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DeltasAppended counts deltas appended to the event log, per collection.
	DeltasAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftkit_deltas_appended_total",
			Help: "Total number of deltas appended to the event log.",
		},
		[]string{"collection"},
	)

	// CompactionDuration observes how long a compaction run takes.
	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftkit_compaction_duration_seconds",
			Help:    "Duration of compaction runs.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// SnapshotsCreated counts snapshots produced by compaction.
	SnapshotsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftkit_snapshots_created_total",
			Help: "Total number of snapshots created by compaction.",
		},
		[]string{"collection"},
	)

	// OutboxDepth is a gauge of pending client outbox entries.
	OutboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftkit_outbox_depth",
			Help: "Number of pending entries in the offline outbox.",
		},
		[]string{"collection"},
	)

	// IngestThrottleDrops counts deltas dropped by the ingestor's bounded
	// buffer under overload.
	IngestThrottleDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftkit_ingest_throttle_drops_total",
			Help: "Deltas dropped from the ingest buffer under overload.",
		},
		[]string{"collection", "policy"},
	)

	// ReplicationBarrierWaits observes how long mutations wait at the
	// replication barrier before being released.
	ReplicationBarrierWaits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftkit_replication_barrier_wait_seconds",
			Help:    "Time spent waiting at the replication barrier.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)
)

func init() {
	prometheus.MustRegister(
		DeltasAppended,
		CompactionDuration,
		SnapshotsCreated,
		OutboxDepth,
		IngestThrottleDrops,
		ReplicationBarrierWaits,
	)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
