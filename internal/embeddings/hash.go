package embeddings

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// HashProvider embeds text by feature hashing unigrams and bigrams into a
// fixed number of buckets. Similar wording gives similar vectors; meaning
// does not. It needs no model and is fully deterministic.
type HashProvider struct {
	dimension int
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "be": true,
	"for": true, "in": true, "is": true, "it": true, "of": true, "on": true,
	"or": true, "the": true, "to": true, "with": true,
}

// NewHashProvider returns a provider producing vectors of the given size.
func NewHashProvider(dimension int) (*HashProvider, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: hash dimension must be positive", ErrInvalidConfig)
	}
	return &HashProvider{dimension: dimension}, nil
}

func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.embed(t)
	}
	return out, nil
}

func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.embed(text), nil
}

func (p *HashProvider) Dimension() int { return p.dimension }

func (p *HashProvider) Close() error { return nil }

func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float64, p.dimension)
	tokens := tokenize(text)
	for i, tok := range tokens {
		p.add(vec, tok, 1)
		if i > 0 {
			p.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, p.dimension)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func (p *HashProvider) add(vec []float64, feature string, weight float64) {
	sum := blake3.Sum256([]byte(feature))
	idx := binary.LittleEndian.Uint32(sum[:4]) % uint32(p.dimension)
	if sum[4]&1 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}
