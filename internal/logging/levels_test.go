package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		name string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"trace", TraceLevel},
		{" TRACE ", TraceLevel},
		{"debug", zapcore.DebugLevel},
		{"Warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := LevelFromString(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, err := LevelFromString("loud")
	assert.Error(t, err)
	assert.Less(t, TraceLevel, zapcore.DebugLevel)
}
