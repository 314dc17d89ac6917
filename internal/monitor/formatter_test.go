package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRate(t *testing.T) {
	tests := []struct {
		name     string
		rate     float64
		expected string
	}{
		{"normal", 45.7, "45.7 ev/min"},
		{"zero", 0.0, "0.0 ev/min"},
		{"very_small", 0.0001, "0.0 ev/min"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatRate(tt.rate))
		})
	}
}

func TestFormatPercentage(t *testing.T) {
	assert.Equal(t, "66.7%", FormatPercentage(2.0/3.0))
	assert.Equal(t, "0.0%", FormatPercentage(0))
	assert.Equal(t, "100.0%", FormatPercentage(1))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds  int64
		expected string
	}{
		{0, "0m"},
		{59, "0m"},
		{60, "1m"},
		{3599, "59m"},
		{3600, "1h 0m"},
		{5400, "1h 30m"},
		{90061, "25h 1m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatDuration(tt.seconds), tt.seconds)
		assert.Equal(t, tt.expected, FormatUptime(tt.seconds), tt.seconds)
	}
}

func TestFormatAge(t *testing.T) {
	ref := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		at       time.Time
		expected string
	}{
		{"zero", time.Time{}, "-"},
		{"future", ref.Add(time.Second), "0s"},
		{"seconds", ref.Add(-12 * time.Second), "12s"},
		{"minutes", ref.Add(-4*time.Minute - 10*time.Second), "4m"},
		{"hours", ref.Add(-26 * time.Hour), "26h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatAge(tt.at, ref))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd…", Truncate("abcdefgh", 5))
	assert.Equal(t, "…", Truncate("abcdefgh", 1))
	assert.Equal(t, "héll…", Truncate("héllo wörld", 5))
	assert.Equal(t, "keep", Truncate("keep", 0))
}
