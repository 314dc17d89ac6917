package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits one step below Debug. Raw voter output and agent
// prompts are logged at it, so it stays off outside local debugging.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name as zap does, plus "trace". Case and
// surrounding space are ignored; an empty name means info.
func LevelFromString(name string) (zapcore.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "":
		return zapcore.InfoLevel, nil
	case "trace":
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
