package logging

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conclave/internal/config"
)

// Config controls the daemon and CLI loggers.
type Config struct {
	Level      zapcore.Level     `koanf:"level"`
	Format     string            `koanf:"format"` // json or console
	Output     OutputConfig      `koanf:"output"`
	Sampling   SamplingConfig    `koanf:"sampling"`
	Caller     CallerConfig      `koanf:"caller"`
	Stacktrace StacktraceConfig  `koanf:"stacktrace"`
	Fields     map[string]string `koanf:"fields"`
	Redaction  RedactionConfig   `koanf:"redaction"`
}

type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	// Stderr moves console output off stdout, which MCP over stdio owns.
	Stderr bool `koanf:"stderr"`
	OTEL   bool `koanf:"otel"`
}

// SamplingConfig thins repeated lines per level. Audit records are never
// sampled.
type SamplingConfig struct {
	Enabled bool                                  `koanf:"enabled"`
	Tick    config.Duration                       `koanf:"tick"`
	Levels  map[zapcore.Level]LevelSamplingConfig `koanf:"levels"`
}

type LevelSamplingConfig struct {
	Initial    int `koanf:"initial"`
	Thereafter int `koanf:"thereafter"`
}

type CallerConfig struct {
	Enabled bool `koanf:"enabled"`
	Skip    int  `koanf:"skip"`
}

type StacktraceConfig struct {
	Level zapcore.Level `koanf:"level"`
}

// RedactionConfig lists field names and value patterns to hide.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// NewDefaultConfig returns the daemon defaults: JSON to stdout, sampled,
// with agent and index credentials redacted.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    config.Duration(time.Second),
			Levels:  DefaultLevelSamplingConfig(),
		},
		Caller:     CallerConfig{Enabled: true, Skip: 1},
		Stacktrace: StacktraceConfig{Level: zapcore.ErrorLevel},
		Fields:     map[string]string{"service": "conclave"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"api_key", "agents.api_key", "qdrant.api_key", "embeddings.api_key",
				"token", "secret", "password", "authorization", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`\bsk-[A-Za-z0-9_-]{16,}`,
			},
		},
	}
}

// DefaultLevelSamplingConfig keeps every warning and thins the chatty
// levels a busy gate produces.
func DefaultLevelSamplingConfig() map[zapcore.Level]LevelSamplingConfig {
	return map[zapcore.Level]LevelSamplingConfig{
		TraceLevel:         {Initial: 1, Thereafter: 0},
		zapcore.DebugLevel: {Initial: 10, Thereafter: 0},
		zapcore.InfoLevel:  {Initial: 100, Thereafter: 10},
		zapcore.WarnLevel:  {Initial: 100, Thereafter: 100},
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Format != "json" && c.Format != "console" {
		errs = append(errs, fmt.Errorf("log format must be json or console, got %q", c.Format))
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		errs = append(errs, errors.New("log output needs stdout or otel"))
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		errs = append(errs, errors.New("log sampling tick must be positive"))
	}
	if c.Caller.Enabled && c.Caller.Skip < 0 {
		errs = append(errs, fmt.Errorf("log caller skip must be >= 0, got %d", c.Caller.Skip))
	}
	if _, err := newRedactor(c.Redaction); err != nil {
		errs = append(errs, err)
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			errs = append(errs, fmt.Errorf("log field %q needs a key and a value", k))
		}
	}
	return errors.Join(errs...)
}

// FromObservability builds the logger config from the observability
// section of the conclave config.
func FromObservability(obs config.ObservabilityConfig) (*Config, error) {
	cfg := NewDefaultConfig()

	level, err := LevelFromString(obs.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", obs.LogLevel, err)
	}
	cfg.Level = level
	if obs.LogFormat != "" {
		cfg.Format = obs.LogFormat
	}
	if obs.ServiceName != "" {
		cfg.Fields["service"] = obs.ServiceName
	}
	cfg.Output.OTEL = obs.EnableTelemetry

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
