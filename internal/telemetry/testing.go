package telemetry

import (
	"context"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Recorder is a Telemetry that keeps spans and metrics in memory.
type Recorder struct {
	*Telemetry

	spans   *tracetest.SpanRecorder
	metrics *sdkmetric.ManualReader
}

// NewRecorder returns an enabled Recorder. It is not installed globally.
func NewRecorder() *Recorder {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	spans := tracetest.NewSpanRecorder()
	metrics := sdkmetric.NewManualReader()
	t := &Telemetry{
		config:         cfg,
		tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(metrics)),
	}
	t.healthy.Store(true)
	return &Recorder{Telemetry: t, spans: spans, metrics: metrics}
}

var (
	globalOnce     sync.Once
	globalRecorder *Recorder
)

// GlobalRecorder installs one Recorder as the otel tracer provider and
// returns it. Package-level tracers bind to the first provider installed,
// so every test in a binary shares this Recorder; tell runs apart by span
// attributes.
func GlobalRecorder() *Recorder {
	globalOnce.Do(func() {
		globalRecorder = NewRecorder()
		otel.SetTracerProvider(globalRecorder.tracerProvider)
	})
	return globalRecorder
}

// Spans returns the ended spans called name, oldest first.
func (r *Recorder) Spans(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range r.spans.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// Find returns the spans called name that carry every attribute in want.
func (r *Recorder) Find(name string, want ...attribute.KeyValue) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range r.Spans(name) {
		if hasAttributes(s, want) {
			out = append(out, s)
		}
	}
	return out
}

// RequireSpan fails tb unless a span called name carries every attribute
// in want, and returns the newest match.
func (r *Recorder) RequireSpan(tb testing.TB, name string, want ...attribute.KeyValue) sdktrace.ReadOnlySpan {
	tb.Helper()
	found := r.Find(name, want...)
	if len(found) == 0 {
		tb.Fatalf("no %q span with %v; recorded %d span(s) under that name", name, want, len(r.Spans(name)))
	}
	return found[len(found)-1]
}

// Attribute returns the value of key on s.
func Attribute(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func hasAttributes(s sdktrace.ReadOnlySpan, want []attribute.KeyValue) bool {
	for _, w := range want {
		v, ok := Attribute(s, w.Key)
		if !ok || v != w.Value {
			return false
		}
	}
	return true
}

// MetricNames collects once and returns the instrument names seen.
func (r *Recorder) MetricNames(ctx context.Context) ([]string, error) {
	var rm metricdata.ResourceMetrics
	if err := r.metrics.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	return names, nil
}
