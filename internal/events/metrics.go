package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var published = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conclave",
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Events published to NATS, by type and result.",
}, []string{"type", "result"})
