package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/conclave/internal/workflows"

var (
	activityDuration metric.Float64Histogram
	activityErrors   metric.Int64Counter
	phasesAdvanced   metric.Int64Counter
)

// initMetrics creates the activity instruments. Workflow code records
// nothing because it replays.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error
	activityDuration, err = meter.Float64Histogram(
		"conclave.workflows.activity.duration",
		metric.WithDescription("Duration of pipeline activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrors, err = meter.Int64Counter(
		"conclave.workflows.activity.errors",
		metric.WithDescription("Number of pipeline activity errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}

	phasesAdvanced, err = meter.Int64Counter(
		"conclave.workflows.phases_advanced",
		metric.WithDescription("Number of phases advanced by pipeline workers"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create phases counter: %v", err))
	}
}

func init() {
	initMetrics()
}

func observeActivity(ctx context.Context, name string, start time.Time) {
	activityDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("activity", name)))
}
