package embedding

import (
	"context"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// HashBackend is a deterministic, dependency-free embedding backend: it
// hashes character trigrams and unigrams of the input into buckets of a
// fixed-dimension vector. It produces no semantic understanding, but is
// stable, fast, and requires no live inference service — used as the
// default backend in tests and in deployments with no embeddings
// endpoint configured.
type HashBackend struct {
	dim int
}

// NewHashBackend constructs a HashBackend with the given vector width.
// dim <= 0 uses DefaultDimension.
func NewHashBackend(dim int) *HashBackend {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashBackend{dim: dim}
}

// Dimension returns the configured vector width.
func (h *HashBackend) Dimension() int {
	return h.dim
}

// Embed hashes each lowercased word (weight 1.0) and each character
// trigram within a word (weight 0.5) into h.dim signed buckets.
func (h *HashBackend) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	lower := strings.ToLower(text)

	for _, tok := range strings.Fields(lower) {
		hashInto(vec, tok, 1.0)
		runes := []rune(tok)
		for i := 0; i+3 <= len(runes); i++ {
			hashInto(vec, string(runes[i:i+3]), 0.5)
		}
	}
	return vec, nil
}

func hashInto(vec []float32, token string, weight float32) {
	h := xxhash.Sum64String(token)
	idx := int(h % uint64(len(vec)))
	sign := float32(1)
	if (h>>1)&1 == 1 {
		sign = -1
	}
	vec[idx] += sign * weight
}
