package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashEmbedder creates deterministic embeddings from a text hash. Identical
// strings always map to identical vectors, which is enough to exercise the
// storage and retrieval flow offline; the vectors carry no semantics.
type HashEmbedder struct {
	Dim int
}

// NewHash creates a hash embedder with the given dimensionality.
func NewHash(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{Dim: dim}
}

// Dimension returns the embedding vector size.
func (e *HashEmbedder) Dimension() int {
	return e.Dim
}

// Embed derives a unit-length vector from the SHA-256 of text.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := sha256.Sum256([]byte(text))

	vec := make([]float32, e.Dim)
	for i := 0; i < e.Dim; i++ {
		start := (i * 4) % (len(hash) - 4)
		val := binary.BigEndian.Uint32(hash[start : start+4])
		vec[i] = float32(val) / float32(math.MaxUint32)
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}

	return vec, nil
}
