package vector

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// =============================================================================
// LOCAL DETERMINISTIC EMBEDDING ENGINE
// =============================================================================

// LocalEngine produces deterministic embeddings with feature hashing. No
// network, no model weights: each token is hashed into a signed bucket and
// the resulting vector is L2-normalized. Texts sharing vocabulary land close
// in cosine space, which is enough for offline discovery and for tests.
type LocalEngine struct {
	dims int
}

// NewLocalEngine creates a deterministic local embedding engine.
func NewLocalEngine(dims int) (*LocalEngine, error) {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEngine{dims: dims}, nil
}

// Embed generates a deterministic embedding for the text.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, e.dims)

	tokens := tokenize(text)
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()

		bucket := int(sum % uint64(e.dims))
		sign := 1.0
		if (sum>>32)&1 == 1 {
			sign = -1.0
		}
		vec[bucket] += sign
	}

	// Bigrams capture a little ordering so "parse cron" and "cron parse"
	// are near but not identical.
	for i := 0; i+1 < len(tokens); i++ {
		h := fnv.New64a()
		h.Write([]byte(tokens[i] + " " + tokens[i+1]))
		sum := h.Sum64()

		bucket := int(sum % uint64(e.dims))
		sign := 1.0
		if (sum>>32)&1 == 1 {
			sign = -1.0
		}
		vec[bucket] += 0.5 * sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, e.dims)
	if norm > 0 {
		for i, v := range vec {
			out[i] = float32(v / norm)
		}
	}
	return out, nil
}

// EmbedBatch embeds each text in turn.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the configured dimensionality.
func (e *LocalEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *LocalEngine) Name() string {
	return fmt.Sprintf("local:fnv-%d", e.dims)
}

// tokenize lowercases and splits on non-alphanumeric runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
