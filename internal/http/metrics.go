package http

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/conclave/internal/http"

// APIMetrics instruments the REST API. Besides the usual request series it
// counts pipeline actions, the POSTs that move a project or decide a gate.
type APIMetrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
	actions  metric.Int64Counter
}

// NewAPIMetrics registers the instruments on the global meter provider.
func NewAPIMetrics(logger *zap.Logger) *APIMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &APIMetrics{meter: otel.Meter(httpInstrumentationName), logger: logger}
	m.init()
	return m
}

func (m *APIMetrics) init() {
	var errs []error
	var err error

	m.requests, err = m.meter.Int64Counter("conclave.api.requests",
		metric.WithDescription("API requests by route pattern, method and status class."),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	// Gate evaluations wait on every voter, so the buckets reach minutes.
	m.latency, err = m.meter.Float64Histogram("conclave.api.request.duration",
		metric.WithDescription("API request latency by route pattern and method."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300))
	errs = append(errs, err)

	m.inFlight, err = m.meter.Int64UpDownCounter("conclave.api.requests.in_flight",
		metric.WithDescription("API requests being served."),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	m.actions, err = m.meter.Int64Counter("conclave.api.pipeline_actions",
		metric.WithDescription("Project and gate actions requested over the API, by action and result."),
		metric.WithUnit("{action}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("api metrics partly unavailable", zap.Error(err))
	}
}

// Middleware records every request. Routes are labelled by their pattern
// (/api/v1/projects/:id), never by the ids in them.
func (m *APIMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			route := routeLabel(c.Path())
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			method := c.Request().Method
			attrs := metric.WithAttributes(
				attribute.String("route", route),
				attribute.String("method", method),
				attribute.String("status_class", statusClass(status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
					attribute.String("route", route), attribute.String("method", method)))
			}
			if action := pipelineAction(method, route); action != "" && m.actions != nil {
				m.actions.Add(ctx, 1, metric.WithAttributes(
					attribute.String("action", action),
					attribute.Bool("ok", status < 400),
				))
			}
			return err
		}
	}
}

func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func statusClass(status int) string {
	if status < 100 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// pipelineAction names the action behind a POST route, or "".
func pipelineAction(method, route string) string {
	if method != "POST" || !strings.HasPrefix(route, "/api/v1/") {
		return ""
	}
	switch route {
	case "/api/v1/projects":
		return "start"
	case "/api/v1/gates/:gate/evaluate":
		return "evaluate"
	case "/api/v1/traces/:id/outcome":
		return "outcome"
	}
	if rest, ok := strings.CutPrefix(route, "/api/v1/projects/:id/"); ok && !strings.Contains(rest, "/") {
		return rest
	}
	return ""
}
