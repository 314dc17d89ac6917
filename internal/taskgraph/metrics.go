package taskgraph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitionsTotal counts status changes by target status.
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "taskgraph",
			Name:      "transitions_total",
			Help:      "Task status transitions by target status",
		},
		[]string{"to"},
	)

	inProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conclave",
			Subsystem: "taskgraph",
			Name:      "in_progress",
			Help:      "Tasks currently held by a worker",
		},
	)

	escalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "taskgraph",
			Name:      "escalations_total",
			Help:      "Tasks that exhausted their attempt budget",
		},
	)

	// dispatchDuration tracks agent call latency per task category.
	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conclave",
			Subsystem: "taskgraph",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of agent calls for tasks in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"category"},
	)
)
