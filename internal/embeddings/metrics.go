package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/conclave/internal/embeddings"

type instrumented struct {
	Provider
	model     string
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// Instrument wraps p with OTel duration, batch size and error metrics.
func Instrument(p Provider, model string, logger *zap.Logger) Provider {
	meter := otel.Meter(instrumentationName)
	in := &instrumented{Provider: p, model: model}

	var err error
	in.duration, err = meter.Float64Histogram(
		"conclave.embedding.duration_seconds",
		metric.WithDescription("Embedding generation latency by model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		logger.Warn("failed to create embedding duration histogram", zap.Error(err))
	}
	in.batchSize, err = meter.Int64Histogram(
		"conclave.embedding.batch_size",
		metric.WithDescription("Texts per embedding batch"),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		logger.Warn("failed to create embedding batch histogram", zap.Error(err))
	}
	in.errors, err = meter.Int64Counter(
		"conclave.embedding.errors_total",
		metric.WithDescription("Embedding failures by model and operation"),
	)
	if err != nil {
		logger.Warn("failed to create embedding error counter", zap.Error(err))
	}
	return in
}

func (in *instrumented) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	out, err := in.Provider.EmbedDocuments(ctx, texts)
	in.record(ctx, "embed_documents", start, len(texts), err)
	return out, err
}

func (in *instrumented) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	out, err := in.Provider.EmbedQuery(ctx, text)
	in.record(ctx, "embed_query", start, 0, err)
	return out, err
}

func (in *instrumented) record(ctx context.Context, op string, start time.Time, batch int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", in.model),
		attribute.String("operation", op),
	)
	if in.duration != nil {
		in.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if batch > 0 && in.batchSize != nil {
		in.batchSize.Record(ctx, int64(batch), attrs)
	}
	if err != nil && in.errors != nil {
		in.errors.Add(ctx, 1, attrs)
	}
}
