package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

const instrumentationName = "github.com/fyrsmithlabs/conclave/internal/mcp"

// Metrics counts tool calls by tool and by the pipeline area the tool
// serves: gates, the context graph or projects.
type Metrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	failures metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: otel.Meter(instrumentationName), logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var errs []error
	var err error

	m.calls, err = m.meter.Int64Counter("conclave.mcp.tool.calls",
		metric.WithDescription("MCP tool calls by tool and area."),
		metric.WithUnit("{call}"))
	errs = append(errs, err)

	// gate_evaluate runs a full vote, so the buckets reach minutes.
	m.latency, err = m.meter.Float64Histogram("conclave.mcp.tool.duration",
		metric.WithDescription("MCP tool latency by tool."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300))
	errs = append(errs, err)

	m.failures, err = m.meter.Int64Counter("conclave.mcp.tool.failures",
		metric.WithDescription("Failed MCP tool calls by tool and reason."),
		metric.WithUnit("{call}"))
	errs = append(errs, err)

	m.inFlight, err = m.meter.Int64UpDownCounter("conclave.mcp.tool.in_flight",
		metric.WithDescription("MCP tool calls being served."),
		metric.WithUnit("{call}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("mcp metrics partly unavailable", zap.Error(err))
	}
}

// Begin marks a call to tool as started. The returned func ends it.
func (m *Metrics) Begin(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	toolAttr := attribute.String("tool", tool)
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, metric.WithAttributes(toolAttr))
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, metric.WithAttributes(toolAttr))
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, metric.WithAttributes(toolAttr, attribute.String("area", toolArea(tool))))
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(toolAttr))
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(toolAttr, attribute.String("reason", failureReason(err))))
		}
	}
}

// toolArea maps a tool to the part of the pipeline it reads or changes.
func toolArea(tool string) string {
	switch {
	case strings.HasPrefix(tool, "gate_"):
		return "gates"
	case strings.HasPrefix(tool, "project_"):
		return "projects"
	case strings.HasPrefix(tool, "precedent_"), strings.HasPrefix(tool, "outcome_"), strings.HasPrefix(tool, "pattern_"):
		return "context_graph"
	}
	return "other"
}

// failureReason maps an error to a low-cardinality label.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, contextgraph.ErrNotFound),
		errors.Is(err, orchestrator.ErrProjectNotFound),
		errors.Is(err, voting.ErrUnknownGate):
		return "not_found"
	case errors.Is(err, contextgraph.ErrAlreadyRecorded):
		return "conflict"
	case errors.Is(err, contextgraph.ErrInvalidOutcome),
		errors.Is(err, contextgraph.ErrInvalidTrace),
		errors.Is(err, voting.ErrNoVoters),
		errors.Is(err, voting.ErrInvalidGate):
		return "invalid"
	case errors.Is(err, contextgraph.ErrIndexUnavailable):
		return "index_unavailable"
	}

	// Argument checks in the tool bodies return plain errors.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return "invalid"
	case strings.Contains(msg, "sqlite"), strings.Contains(msg, "database"):
		return "storage"
	}
	return "internal"
}
