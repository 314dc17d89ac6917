package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conclave/internal/config"
)

const (
	redacted        = "[REDACTED]"
	redactedPattern = "[REDACTED:pattern]"
	maxPatternLen   = 200
)

type secretMarshaler struct {
	key string
	val config.Secret
}

func (s *secretMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString(s.key, fmt.Sprintf("[REDACTED:%d]", len(s.val.Value())))
	return nil
}

// Secret logs a configured secret as its length only, for example the
// agent or Qdrant API key at startup.
func Secret(key string, val config.Secret) zap.Field {
	return zap.Object(key, &secretMarshaler{key: key, val: val})
}

// RedactedString logs the length of val instead of val.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactor decides what to hide: fields by name and string values by
// pattern. Artifacts and voter output can quote credentials, so string
// values are checked whatever their key.
type redactor struct {
	keys     map[string]bool
	patterns []*regexp.Regexp
}

func newRedactor(cfg RedactionConfig) (redactor, error) {
	r := redactor{keys: make(map[string]bool, len(cfg.Fields))}
	if !cfg.Enabled {
		return r, nil
	}
	for _, f := range cfg.Fields {
		r.keys[strings.ToLower(f)] = true
	}
	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return redactor{}, fmt.Errorf("redaction pattern longer than %d chars: %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return redactor{}, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r redactor) empty() bool { return len(r.keys) == 0 && len(r.patterns) == 0 }

func (r redactor) key(k string) bool { return r.keys[strings.ToLower(k)] }

// value returns the replacement for a string value, if any.
func (r redactor) value(k, v string) (string, bool) {
	if r.key(k) {
		return redacted, true
	}
	for _, re := range r.patterns {
		if re.MatchString(v) {
			return redactedPattern, true
		}
	}
	return v, false
}

// RedactingEncoder hides secrets before a log line is written.
type RedactingEncoder struct {
	zapcore.Encoder
	r redactor
}

// NewRedactingEncoder wraps base. It fails on a pattern that does not
// compile.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	r, err := newRedactor(cfg)
	if err != nil {
		return nil, err
	}
	return &RedactingEncoder{Encoder: base, r: r}, nil
}

func (e *RedactingEncoder) AddString(key, val string) {
	v, _ := e.r.value(key, val)
	e.Encoder.AddString(key, v)
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.r.key(key) {
		val = []byte(redacted)
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.r.key(key) {
		val = []byte(redacted)
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected hides the whole value under a sensitive key. Nested
// fields are not inspected.
func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.r.key(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.r.key(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.r.key(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// EncodeEntry rewrites the per-call fields. The wrapped encoder writes
// them into its own clone, so the Add methods above never see them.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if e.r.empty() {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = e.field(f)
	}
	return e.Encoder.EncodeEntry(ent, out)
}

func (e *RedactingEncoder) field(f zapcore.Field) zapcore.Field {
	if f.Type == zapcore.StringType {
		if v, ok := e.r.value(f.Key, f.String); ok {
			return zap.String(f.Key, v)
		}
		return f
	}
	if e.r.key(f.Key) {
		return zap.String(f.Key, redacted)
	}
	return f
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), r: e.r}
}
