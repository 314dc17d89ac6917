package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestAPIMetrics(t *testing.T) (*APIMetrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &APIMetrics{meter: mp.Meter(httpInstrumentationName), logger: zap.NewNop()}
	m.init()
	return m, reader
}

// counts sums each int64 counter by the value of one attribute.
func counts(t *testing.T, reader *metric.ManualReader, name, key string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			for _, dp := range sum.DataPoints {
				label := ""
				if key != "" {
					v, _ := dp.Attributes.Value(attribute.Key(key))
					label = v.Emit()
				}
				out[label] += dp.Value
			}
		}
	}
	return out
}

func TestAPIMetrics_Middleware(t *testing.T) {
	m, reader := newTestAPIMetrics(t)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/traces/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id")})
	})
	e.POST("/api/v1/projects/:id/advance", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.POST("/api/v1/projects/:id/abort", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "complete")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/traces/tr-1"},
		{http.MethodGet, "/api/v1/traces/tr-2"},
		{http.MethodPost, "/api/v1/projects/shop/advance"},
		{http.MethodPost, "/api/v1/projects/shop/abort"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	routes := counts(t, reader, "conclave.api.requests", "route")
	assert.Equal(t, map[string]int64{
		"/api/v1/traces/:id":           2,
		"/api/v1/projects/:id/advance": 1,
		"/api/v1/projects/:id/abort":   1,
	}, routes, "ids never become labels")

	classes := counts(t, reader, "conclave.api.requests", "status_class")
	assert.Equal(t, int64(3), classes["2xx"])
	assert.Equal(t, int64(1), classes["4xx"])

	assert.Equal(t, map[string]int64{"advance": 1, "abort": 1},
		counts(t, reader, "conclave.api.pipeline_actions", "action"))
	assert.Equal(t, int64(0), counts(t, reader, "conclave.api.requests.in_flight", "")[""])
}

func TestPipelineAction(t *testing.T) {
	tests := []struct {
		method, route, want string
	}{
		{"POST", "/api/v1/projects", "start"},
		{"POST", "/api/v1/projects/:id/unblock", "unblock"},
		{"POST", "/api/v1/gates/:gate/evaluate", "evaluate"},
		{"POST", "/api/v1/traces/:id/outcome", "outcome"},
		{"GET", "/api/v1/projects/:id", ""},
		{"POST", "/api/v1/tasks/validate", ""},
		{"POST", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pipelineAction(tt.method, tt.route), tt.route)
	}
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "5xx", statusClass(503))
}
