package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NoError(t, tel.Err())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Protocol = "udp"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults enabled", func(c *Config) {}, false},
		{"remote insecure", func(c *Config) { c.Endpoint = "otel.example.com:4317" }, true},
		{"remote tls", func(c *Config) { c.Endpoint = "otel.example.com:4317"; c.Insecure = false }, false},
		{"ipv6 loopback", func(c *Config) { c.Endpoint = "[::1]:4317" }, false},
		{"http scheme loopback", func(c *Config) { c.Endpoint = "http://127.0.0.1:4318"; c.Protocol = "http/protobuf" }, false},
		{"rate above one", func(c *Config) { c.Sampling.Rate = 1.5 }, true},
		{"no service", func(c *Config) { c.ServiceName = "" }, true},
		{"zero shutdown", func(c *Config) { c.Shutdown.Timeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestFromObservability(t *testing.T) {
	cfg := FromObservability(config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "conclaved",
		Endpoint:        "collector:4318",
		Protocol:        "http/protobuf",
		SampleRate:      0.5,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "conclaved", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, 0.5, cfg.Sampling.Rate)
	assert.False(t, cfg.Insecure)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "host:4318", stripScheme("https://host:4318"))
	assert.Equal(t, "host:4318", stripScheme("http://host:4318"))
	assert.Equal(t, "host:4318", stripScheme("host:4318"))
}

func TestRecorder_RecordsSpansAndMetrics(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()

	_, span := rec.Tracer("conclave.test").Start(ctx, "Engine.Evaluate")
	span.SetAttributes(attribute.String("gate.id", "code_review"), attribute.Int("voters", 3))
	span.End()

	got := rec.RequireSpan(t, "Engine.Evaluate", attribute.String("gate.id", "code_review"))
	voters, ok := Attribute(got, "voters")
	require.True(t, ok)
	assert.Equal(t, int64(3), voters.AsInt64())
	assert.Empty(t, rec.Find("Engine.Evaluate", attribute.String("gate.id", "release_readiness")))

	counter, err := rec.Meter("conclave.test").Int64Counter("conclave.gate.evaluations")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	names, err := rec.MetricNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "conclave.gate.evaluations")
}
