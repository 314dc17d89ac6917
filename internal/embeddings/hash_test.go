package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashProvider_Deterministic(t *testing.T) {
	p, err := NewHashProvider(128)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "Add OAuth login to the API gateway")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "Add OAuth login to the API gateway")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 128)
	assert.InDelta(t, 1.0, cosine(a, b), 1e-6)
}

func TestHashProvider_SimilarTextScoresHigher(t *testing.T) {
	p, err := NewHashProvider(256)
	require.NoError(t, err)
	ctx := context.Background()

	docs, err := p.EmbedDocuments(ctx, []string{
		"database migration for user accounts table",
		"frontend button color tweak",
	})
	require.NoError(t, err)
	q, err := p.EmbedQuery(ctx, "migration of the accounts table in the database")
	require.NoError(t, err)

	assert.Greater(t, cosine(q, docs[0]), cosine(q, docs[1]))
}

func TestHashProvider_Errors(t *testing.T) {
	_, err := NewHashProvider(0)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	p, _ := NewHashProvider(8)
	_, err = p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.EmbedQuery(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHashProvider_StopwordsOnly(t *testing.T) {
	p, _ := NewHashProvider(16)
	v, err := p.EmbedQuery(context.Background(), "the and of")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), v)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.EmbeddingsConfig{Provider: "hash"}, 64, nil)
	require.NoError(t, err)
	assert.Equal(t, 64, p.Dimension())

	v, err := p.EmbedQuery(context.Background(), "instrumented call")
	require.NoError(t, err)
	assert.Len(t, v, 64)

	_, err = NewProvider(config.EmbeddingsConfig{Provider: "word2vec"}, 64, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	lp, err := NewProvider(config.EmbeddingsConfig{Provider: "openai", Model: "text-embedding-3-small", BaseURL: "http://127.0.0.1:1/v1"}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1536, lp.Dimension())
}

func TestDimensionForModel(t *testing.T) {
	assert.Equal(t, 384, DimensionForModel("BAAI/bge-small-en-v1.5"))
	assert.Equal(t, 768, DimensionForModel("acme/encoder-base"))
	assert.Equal(t, 1024, DimensionForModel("acme/encoder-large"))
	assert.Equal(t, 384, DimensionForModel("unknown"))
}
