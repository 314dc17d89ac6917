package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.audit)
	assert.Equal(t, cfg, logger.config)
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLogger_LevelMethods(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tests := []struct {
		name  string
		log   func()
		level zapcore.Level
	}{
		{"trace", func() { tl.Trace(ctx, "m") }, TraceLevel},
		{"debug", func() { tl.Debug(ctx, "m") }, zapcore.DebugLevel},
		{"info", func() { tl.Info(ctx, "m") }, zapcore.InfoLevel},
		{"warn", func() { tl.Warn(ctx, "m") }, zapcore.WarnLevel},
		{"error", func() { tl.Error(ctx, "m") }, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl.Reset()
			tt.log()
			logs := tl.All()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
		})
	}
}

func TestLogger_RunFieldsAttached(t *testing.T) {
	tl := NewTestLogger()

	ctx, err := WithRun(context.Background(), Run{ProjectID: "shop-cart", Phase: "development"})
	require.NoError(t, err)
	ctx, err = WithRun(ctx, Run{GateID: "code_review"})
	require.NoError(t, err)

	tl.Info(ctx, "gate started")

	tl.AssertField(t, "gate started", "project.id", "shop-cart")
	tl.AssertField(t, "gate started", "phase", "development")
	tl.AssertField(t, "gate started", "gate.id", "code_review")
}

func TestLogger_Audit(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Audit(ctx, "vote.cast", zap.String("voter", "security"))
	tl.Audit(ctx, "gate.decision")

	tl.AssertAudit(t, "vote.cast")
	tl.AssertField(t, "vote.cast", "voter", "security")
	assert.Equal(t, []string{"vote.cast", "gate.decision"}, tl.AuditEvents())
}

func TestLogger_AuditBypassesSampling(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    NewDefaultConfig().Sampling.Tick,
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 1, Thereafter: 0},
		},
	})
	l := &Logger{zap: zap.New(sampled), audit: zap.New(core), config: NewDefaultConfig()}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Info(ctx, "noisy")
		l.Audit(ctx, "phase.transition")
	}

	assert.Equal(t, 1, observed.FilterMessage("noisy").Len())
	assert.Equal(t, 5, observed.FilterMessage("phase.transition").Len())
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.With(zap.String("component", "voting")).Named("engine")

	child.Info(context.Background(), "hello")
	child.Audit(context.Background(), "gate.decision")

	logs := tl.All()
	require.Len(t, logs, 2)
	for _, e := range logs {
		assert.Equal(t, "engine", e.LoggerName)
		assert.Equal(t, "voting", e.ContextMap()["component"])
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Info(context.Background(), "dropped")
	l.Audit(context.Background(), "dropped")
	assert.NoError(t, l.Sync())
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}
