// Package vectorstore provides vector persistence and similarity
// search for tool embeddings and documentation chunks. Two
// implementations exist: a Qdrant REST client for production and an
// in-memory store for tests and single-process deployments.
package vectorstore

import "context"

// Point is a vector with its payload, addressed by a caller-chosen
// string ID.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a query hit with its similarity score.
type ScoredPoint struct {
	Point
	Score float64
}

// Query describes a similarity search.
type Query struct {
	// Vector is the query embedding.
	Vector []float32

	// TopK bounds the number of hits returned.
	TopK int

	// MinScore drops hits below this similarity. Zero means no floor.
	MinScore float64

	// Filter, when non-empty, keeps only points whose payload matches
	// every key/value pair exactly.
	Filter map[string]any
}

// Store is implemented by vector storage backends.
type Store interface {
	// EnsureCollection creates the named collection with the given
	// dimension if it does not already exist.
	EnsureCollection(ctx context.Context, collection string, dimension int) error

	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the best-scoring points for the query, ordered by
	// similarity descending.
	Search(ctx context.Context, collection string, q Query) ([]ScoredPoint, error)

	// Delete removes points by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, collection string, ids []string) error

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (int, error)

	Close() error
}
