package snapshots

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCreated = "created"
	outcomeSkipped = "skipped"
	outcomeError   = "error"
)

var (
	capturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "snapshots",
		Name:      "captures_total",
		Help:      "Snapshot capture attempts, by outcome.",
	}, []string{"outcome"})

	compactedSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "snapshots",
		Name:      "compacted_total",
		Help:      "Snapshots rewritten as deltas.",
	})

	decimatedSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "snapshots",
		Name:      "decimated_total",
		Help:      "Snapshots removed by decimation.",
	})

	pendingCaptures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "treesync",
		Subsystem: "snapshots",
		Name:      "pending_captures",
		Help:      "Trees waiting for a debounced capture.",
	})
)
