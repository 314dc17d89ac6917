package embeddings

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainConfig points at an OpenAI-compatible embeddings endpoint.
// TEI servers expose the same API under /v1.
type LangchainConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// LangchainProvider embeds through langchaingo's OpenAI client.
type LangchainProvider struct {
	embedder  *embeddings.EmbedderImpl
	dimension int
}

// NewLangchainProvider builds the client. No request is made here.
func NewLangchainProvider(cfg LangchainConfig) (*LangchainProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: embeddings model required", ErrInvalidConfig)
	}
	token := cfg.APIKey
	if token == "" {
		// TEI ignores the token, but the client refuses to start without one.
		token = "unused"
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating embeddings client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &LangchainProvider{embedder: emb, dimension: DimensionForModel(cfg.Model)}, nil
}

func (p *LangchainProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return out, nil
}

func (p *LangchainProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	out, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return out, nil
}

func (p *LangchainProvider) Dimension() int { return p.dimension }

func (p *LangchainProvider) Close() error { return nil }
