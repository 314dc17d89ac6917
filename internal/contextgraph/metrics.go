package contextgraph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tracesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "contextgraph",
			Name:      "traces_recorded_total",
			Help:      "Decision traces recorded by decision",
		},
		[]string{"decision"},
	)

	outcomesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "contextgraph",
			Name:      "outcomes_recorded_total",
			Help:      "Outcome writes by outcome label and whether they overrode a prior value",
		},
		[]string{"outcome", "override"},
	)

	// precedentLookups counts lookups by result: hit, empty or error.
	precedentLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "contextgraph",
			Name:      "precedent_lookups_total",
			Help:      "Precedent lookups by result",
		},
		[]string{"result"},
	)

	precedentLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "conclave",
			Subsystem: "contextgraph",
			Name:      "precedent_lookup_duration_seconds",
			Help:      "Duration of precedent lookups in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	indexFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "contextgraph",
			Name:      "index_failures_total",
			Help:      "Similarity index failures by operation",
		},
		[]string{"op"},
	)
)
