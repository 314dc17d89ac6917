package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	phaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "orchestrator",
			Name:      "phase_transitions_total",
			Help:      "Phase transitions by target phase",
		},
		[]string{"to"},
	)

	projectsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "orchestrator",
			Name:      "projects_blocked_total",
			Help:      "Projects stopped for human review by the phase they blocked in",
		},
		[]string{"phase"},
	)

	checkpointsReached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "orchestrator",
			Name:      "checkpoints_total",
			Help:      "Projects paused for approval by the gate they passed",
		},
		[]string{"gate"},
	)

	gateRevisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "orchestrator",
			Name:      "gate_revisions_total",
			Help:      "Artifact revisions requested by rejecting gates",
		},
		[]string{"gate"},
	)

	// pendingTraces is the number of decision traces waiting for the
	// context graph to accept them.
	pendingTraces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conclave",
			Subsystem: "orchestrator",
			Name:      "pending_traces",
			Help:      "Decision traces not yet stored by the context graph",
		},
	)
)
