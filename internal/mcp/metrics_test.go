package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

func newTestMetrics(t *testing.T) (*Metrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &Metrics{
		meter:  mp.Meter(instrumentationName),
		logger: zap.NewNop(),
	}
	m.init()
	return m, reader
}

// sums collects every int64 sum by metric name.
func sums(t *testing.T, reader *metric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return out
}

func TestMetrics_Begin(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Begin(ctx, "gate_evaluate")(nil)
	m.Begin(ctx, "gate_evaluate")(voting.ErrUnknownGate)
	pending := m.Begin(ctx, "project_status")

	got := sums(t, reader)
	assert.Equal(t, int64(2), got["conclave.mcp.tool.calls"])
	assert.Equal(t, int64(2), got["conclave.mcp.tool.duration"])
	assert.Equal(t, int64(1), got["conclave.mcp.tool.failures"])
	assert.Equal(t, int64(1), got["conclave.mcp.tool.in_flight"])

	pending(nil)
	got = sums(t, reader)
	assert.Equal(t, int64(3), got["conclave.mcp.tool.calls"])
	assert.Equal(t, int64(0), got["conclave.mcp.tool.in_flight"])
}

func TestToolArea(t *testing.T) {
	assert.Equal(t, "gates", toolArea("gate_evaluate"))
	assert.Equal(t, "projects", toolArea("project_status"))
	assert.Equal(t, "context_graph", toolArea("precedent_search"))
	assert.Equal(t, "context_graph", toolArea("outcome_record"))
	assert.Equal(t, "context_graph", toolArea("pattern_analysis"))
	assert.Equal(t, "other", toolArea("ping"))
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"deadline", fmt.Errorf("gate evaluation failed: %w", context.DeadlineExceeded), "timeout"},
		{"unknown gate", fmt.Errorf("gate evaluation failed: %w", voting.ErrUnknownGate), "not_found"},
		{"missing trace", &contextgraph.NotFoundError{TraceID: "tr-1"}, "not_found"},
		{"missing project", orchestrator.ErrProjectNotFound, "not_found"},
		{"already recorded", contextgraph.ErrAlreadyRecorded, "conflict"},
		{"bad outcome", contextgraph.ErrInvalidOutcome, "invalid"},
		{"no voters", voting.ErrNoVoters, "invalid"},
		{"no index", &contextgraph.PrecedentStoreError{Op: "query", Err: contextgraph.ErrIndexUnavailable}, "index_unavailable"},
		{"missing argument", errors.New("trace_id is required"), "invalid"},
		{"storage", errors.New("sqlite: database is locked"), "storage"},
		{"generic error", errors.New("something went wrong"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, failureReason(tt.err))
		})
	}
}
