package voting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "voting",
			Name:      "decisions_total",
			Help:      "Gate decisions by gate, outcome and deciding rule",
		},
		[]string{"gate", "outcome", "rule"},
	)

	// votesTotal counts votes that made it into a tally.
	votesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "voting",
			Name:      "votes_total",
			Help:      "Votes counted by gate and value",
		},
		[]string{"gate", "vote"},
	)

	excludedVoters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "voting",
			Name:      "excluded_voters_total",
			Help:      "Voters excluded from a tally by reason",
		},
		[]string{"gate", "reason"},
	)

	evaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conclave",
			Subsystem: "voting",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of gate evaluations in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"gate"},
	)
)
