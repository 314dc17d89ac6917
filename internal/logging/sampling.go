package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore applies a separate sampler per level below Error.
// Error and above pass through untouched. Levels without a configured rate
// are not sampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	cores := []zapcore.Core{
		&levelFilterCore{Core: core, match: func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel }},
	}

	for _, lvl := range []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel} {
		lvl := lvl
		only := &levelFilterCore{Core: core, match: func(l zapcore.Level) bool { return l == lvl }}

		rate, ok := cfg.Levels[lvl]
		if !ok || rate.Initial <= 0 {
			cores = append(cores, only)
			continue
		}
		cores = append(cores, zapcore.NewSamplerWithOptions(only, cfg.Tick.Duration(), rate.Initial, rate.Thereafter))
	}

	return zapcore.NewTee(cores...)
}

// levelFilterCore only passes entries whose level satisfies match.
type levelFilterCore struct {
	zapcore.Core
	match func(zapcore.Level) bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.match(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), match: c.match}
}
