package embeddings

import (
	"context"
	"math"
)

// PlaceholderBackend produces deterministic hash-based embeddings. It
// needs no external service, which makes it the degraded-mode fallback
// and the default for tests.
type PlaceholderBackend struct {
	dimension int
}

// NewPlaceholderBackend creates a placeholder backend with the given
// dimension.
func NewPlaceholderBackend(dimension int) *PlaceholderBackend {
	return &PlaceholderBackend{dimension: dimension}
}

// Embed generates a deterministic embedding for the given text.
func (p *PlaceholderBackend) Embed(_ context.Context, text string) ([]float32, error) {
	return p.generate(text), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (p *PlaceholderBackend) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings[i] = p.generate(text)
	}
	return embeddings, nil
}

// Dimension returns the embedding dimension.
func (p *PlaceholderBackend) Dimension() int {
	return p.dimension
}

// Close closes the backend (no-op for placeholder).
func (*PlaceholderBackend) Close() error {
	return nil
}

func (p *PlaceholderBackend) generate(text string) []float32 {
	embedding := make([]float32, p.dimension)

	hash := 0
	for _, c := range text {
		hash = (hash*31 + int(c)) % 1000000
	}
	for i := range embedding {
		hash = (hash*1103515245 + 12345) % 1000000
		embedding[i] = float32(hash) / 1000000.0
	}

	// L2 normalize so cosine similarity behaves.
	var sumSquares float64
	for _, v := range embedding {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares > 0 {
		scale := float32(1.0 / math.Sqrt(sumSquares))
		for i := range embedding {
			embedding[i] *= scale
		}
	}
	return embedding
}
