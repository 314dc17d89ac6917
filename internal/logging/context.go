package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if run, ok := RunFromContext(ctx); ok {
		fields = append(fields, zap.String("project.id", run.ProjectID))
		if run.Phase != "" {
			fields = append(fields, zap.String("phase", run.Phase))
		}
		if run.GateID != "" {
			fields = append(fields, zap.String("gate.id", run.GateID))
		}
		if run.TaskID != "" {
			fields = append(fields, zap.String("task.id", run.TaskID))
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type runCtxKey struct{}
type requestCtxKey struct{}

// Run identifies where in a pipeline run a log line was emitted.
type Run struct {
	ProjectID string
	Phase     string
	GateID    string
	TaskID    string
}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateID validates identifiers that end up as log field values.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, dot, hyphen, underscore)", name)
	}
	return nil
}

// RunFromContext extracts the run from context.
func RunFromContext(ctx context.Context) (Run, bool) {
	r, ok := ctx.Value(runCtxKey{}).(Run)
	return r, ok
}

// WithRun adds run correlation to the context. Fields left empty inherit
// from a run already in the context, so callers can narrow progressively:
//
//	ctx = WithRun(ctx, Run{ProjectID: p})
//	ctx = WithRun(ctx, Run{GateID: "code_review"})
//
// Returns an error if the resulting project id is missing or malformed.
func WithRun(ctx context.Context, run Run) (context.Context, error) {
	if parent, ok := RunFromContext(ctx); ok {
		if run.ProjectID == "" {
			run.ProjectID = parent.ProjectID
		}
		if run.Phase == "" {
			run.Phase = parent.Phase
		}
		if run.GateID == "" {
			run.GateID = parent.GateID
		}
		if run.TaskID == "" {
			run.TaskID = parent.TaskID
		}
	}
	if err := validateID(run.ProjectID, "run.ProjectID"); err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, runCtxKey{}, run), nil
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if none is stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
