package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder generates vectors for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with a fixed dimension and a lifecycle.
type Provider interface {
	Embedder
	Dimension() int
	Close() error
}

// knownDimensions lists output sizes for models we can name without
// loading them.
var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}

// DimensionForModel returns the embedding size of a model, guessing from
// the name when it is not in the table.
func DimensionForModel(model string) int {
	if d, ok := knownDimensions[model]; ok {
		return d
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

// NewProvider builds the provider selected in cfg and instruments it.
// dimension is only used by the hash provider.
func NewProvider(cfg config.EmbeddingsConfig, dimension int, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "fastembed", "":
		cacheDir, cerr := config.ExpandPath(cfg.CacheDir)
		if cerr != nil {
			return nil, cerr
		}
		p, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cacheDir})
	case "openai":
		p, err = NewLangchainProvider(LangchainConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey.Value(),
		})
	case "hash":
		p, err = NewHashProvider(dimension)
	default:
		return nil, fmt.Errorf("%w: unknown embeddings provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	name := cfg.Model
	if cfg.Provider == "hash" {
		name = "hash"
	}
	return Instrument(p, name, logger), nil
}
