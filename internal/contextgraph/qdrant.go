package contextgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/fyrsmithlabs/conclave/internal/embeddings"
)

// traceNamespace seeds the UUIDv5 point ids derived from trace ids.
var traceNamespace = uuid.MustParse("6f1c1d3e-8a2b-5c1e-9f3a-2b7d4e6a9c01")

// QdrantIndex is a similarity index stored in a Qdrant collection.
type QdrantIndex struct {
	client     *qdrant.Client
	embedder   embeddings.Embedder
	collection string
	logger     *zap.Logger

	maxRetries int
	backoff    time.Duration
}

// NewQdrantIndex connects to Qdrant over gRPC and ensures the collection
// exists with cosine distance.
func NewQdrantIndex(ctx context.Context, cfg config.QdrantConfig, collection string, embedder embeddings.Embedder, logger *zap.Logger) (*QdrantIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("qdrant index: embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if collection == "" {
		collection = "decision_traces"
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey.Value(),
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}
	idx := &QdrantIndex{
		client:     client,
		embedder:   embedder,
		collection: collection,
		logger:     logger,
		maxRetries: 3,
		backoff:    200 * time.Millisecond,
	}
	if err := idx.ensureCollection(ctx, cfg.VectorSize); err != nil {
		client.Close()
		return nil, err
	}
	logger.Info("precedent index connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", collection))
	return idx, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, size uint64) error {
	var exists bool
	err := q.retry(ctx, "collection exists", func() error {
		var err error
		exists, err = q.client.CollectionExists(ctx, q.collection)
		return err
	})
	if err != nil || exists {
		return err
	}
	if size == 0 {
		size = 384
	}
	return q.retry(ctx, "create collection", func() error {
		return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     size,
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
}

func (q *QdrantIndex) Add(ctx context.Context, doc Doc) error {
	vec, err := q.embedder.EmbedQuery(ctx, doc.Text)
	if err != nil {
		return fmt.Errorf("embedding trace %s: %w", doc.ID, err)
	}
	payload := make(map[string]any, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		payload[k] = v
	}
	payload[metaTraceID] = doc.ID
	return q.retry(ctx, "upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(pointID(doc.ID)),
				Vectors: qdrant.NewVectors(vec...),
				Payload: qdrant.NewValueMap(payload),
			}},
		})
		return err
	})
}

func (q *QdrantIndex) Query(ctx context.Context, text string, n int, where map[string]string) ([]Hit, error) {
	if n <= 0 || text == "" {
		return nil, nil
	}
	vec, err := q.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	req := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(n)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(where) > 0 {
		must := make([]*qdrant.Condition, 0, len(where))
		for k, v := range where {
			must = append(must, qdrant.NewMatch(k, v))
		}
		req.Filter = &qdrant.Filter{Must: must}
	}

	var points []*qdrant.ScoredPoint
	err = q.retry(ctx, "query", func() error {
		var err error
		points, err = q.client.Query(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()[metaTraceID].GetStringValue()
		if id == "" {
			continue
		}
		hits = append(hits, Hit{ID: id, Similarity: float64(p.GetScore())})
	}
	return hits, nil
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func (q *QdrantIndex) retry(ctx context.Context, op string, fn func() error) error {
	backoff := q.backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return fmt.Errorf("qdrant %s: %w", op, err)
		}
		if attempt == q.maxRetries {
			return fmt.Errorf("qdrant %s failed after %d retries: %w", op, q.maxRetries, err)
		}
		q.logger.Debug("retrying qdrant operation", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("qdrant %s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}

func pointID(traceID string) string {
	return uuid.NewSHA1(traceNamespace, []byte(traceID)).String()
}
