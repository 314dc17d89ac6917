package contextgraph

import (
	"context"
	"fmt"
	"os"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/fyrsmithlabs/conclave/internal/embeddings"
)

// ChromemIndex is an embedded similarity index backed by chromem-go.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// ChromemOptions configures NewChromemIndex.
type ChromemOptions struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path       string
	Compress   bool
	Collection string
}

// NewChromemIndex opens (or creates) a chromem collection whose documents
// are embedded with embedder.
func NewChromemIndex(opts ChromemOptions, embedder embeddings.Embedder, logger *zap.Logger) (*ChromemIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("chromem index: embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Collection == "" {
		opts.Collection = "decision_traces"
	}

	var db *chromem.DB
	if opts.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := config.ExpandPath(opts.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		logger.Info("precedent index opened", zap.String("path", path), zap.Bool("compress", opts.Compress))
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	col, err := db.GetOrCreateCollection(opts.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", opts.Collection, err)
	}
	return &ChromemIndex{db: db, collection: col}, nil
}

func (c *ChromemIndex) Add(ctx context.Context, doc Doc) error {
	return c.collection.AddDocument(ctx, chromem.Document{
		ID:       doc.ID,
		Metadata: doc.Metadata,
		Content:  doc.Text,
	})
}

func (c *ChromemIndex) Query(ctx context.Context, text string, n int, where map[string]string) ([]Hit, error) {
	count := c.collection.Count()
	if count == 0 || n <= 0 || text == "" {
		return nil, nil
	}
	if n > count {
		n = count
	}
	results, err := c.collection.Query(ctx, text, n, where, nil)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

// Close is a no-op; persistent collections are written on every add.
func (c *ChromemIndex) Close() error { return nil }
