package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

// MemoryStore is an in-process Store backed by maps. Search is a full
// scan, which is fine for the few hundred tools a router typically
// aggregates.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	dimension int
	points    map[string]Point
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

// EnsureCollection creates the collection if missing.
func (s *MemoryStore) EnsureCollection(_ context.Context, collection string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.collections[collection]; ok {
		if existing.dimension != dimension {
			return fmt.Errorf("%w: collection %q exists with dimension %d, requested %d",
				metamcp.ErrVectorStore, collection, existing.dimension, dimension)
		}
		return nil
	}
	s.collections[collection] = &memoryCollection{
		dimension: dimension,
		points:    make(map[string]Point),
	}
	return nil
}

// Upsert inserts or replaces points.
func (s *MemoryStore) Upsert(_ context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: collection %q does not exist", metamcp.ErrVectorStore, collection)
	}
	for _, p := range points {
		if len(p.Vector) != col.dimension {
			return fmt.Errorf("%w: point %q has dimension %d, collection %q expects %d",
				metamcp.ErrVectorStore, p.ID, len(p.Vector), collection, col.dimension)
		}
		col.points[p.ID] = p
	}
	return nil
}

// Search scans the collection and returns hits ordered by similarity
// descending, with ID ascending as the tie-break so results are stable.
func (s *MemoryStore) Search(_ context.Context, collection string, q Query) ([]ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q does not exist", metamcp.ErrVectorStore, collection)
	}

	hits := make([]ScoredPoint, 0, len(col.points))
	for _, p := range col.points {
		if !matchesFilter(p.Payload, q.Filter) {
			continue
		}
		score := CosineSimilarity(q.Vector, p.Vector)
		if q.MinScore > 0 && score < q.MinScore {
			continue
		}
		hits = append(hits, ScoredPoint{Point: p, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if q.TopK > 0 && len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

// Delete removes points by ID.
func (s *MemoryStore) Delete(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: collection %q does not exist", metamcp.ErrVectorStore, collection)
	}
	for _, id := range ids {
		delete(col.points, id)
	}
	return nil
}

// Count returns the number of points in the collection.
func (s *MemoryStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: collection %q does not exist", metamcp.ErrVectorStore, collection)
	}
	return len(col.points), nil
}

// Close is a no-op for the in-memory store.
func (*MemoryStore) Close() error {
	return nil
}

func matchesFilter(payload, filter map[string]any) bool {
	for k, want := range filter {
		if payload[k] != want {
			return false
		}
	}
	return true
}
