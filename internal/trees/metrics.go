package trees

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeApplied  = "applied"
	outcomeConflict = "conflict"
	outcomeError    = "error"
)

var (
	pushBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "push",
		Name:      "batches_total",
		Help:      "Push batches processed, by outcome.",
	}, []string{"outcome"})

	appliedOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "push",
		Name:      "ops_applied_total",
		Help:      "Card operations applied inside committed or pending push transactions, by op code.",
	}, []string{"op"})
)
