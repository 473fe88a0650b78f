package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}), 1e-9)
}

func TestMemoryStore_SearchOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.EnsureCollection(ctx, "tools", 2))

	require.NoError(t, s.Upsert(ctx, "tools", []Point{
		{ID: "fs.read", Vector: []float32{1, 0}},
		{ID: "fs.write", Vector: []float32{0.9, 0.1}},
		{ID: "web.search", Vector: []float32{0, 1}},
	}))

	hits, err := s.Search(ctx, "tools", Query{Vector: []float32{1, 0}, TopK: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "fs.read", hits[0].ID)
	assert.Equal(t, "fs.write", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestMemoryStore_TieBreakByID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.EnsureCollection(ctx, "tools", 2))

	// Identical vectors: scores tie, order must fall back to ID.
	require.NoError(t, s.Upsert(ctx, "tools", []Point{
		{ID: "b.tool", Vector: []float32{1, 0}},
		{ID: "a.tool", Vector: []float32{1, 0}},
	}))

	hits, err := s.Search(ctx, "tools", Query{Vector: []float32{1, 0}, TopK: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a.tool", hits[0].ID)
	assert.Equal(t, "b.tool", hits[1].ID)
}

func TestMemoryStore_MinScoreAndFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.EnsureCollection(ctx, "docs", 2))

	require.NoError(t, s.Upsert(ctx, "docs", []Point{
		{ID: "d1", Vector: []float32{1, 0}, Payload: map[string]any{"source": "fs"}},
		{ID: "d2", Vector: []float32{1, 0}, Payload: map[string]any{"source": "web"}},
		{ID: "d3", Vector: []float32{0, 1}, Payload: map[string]any{"source": "fs"}},
	}))

	hits, err := s.Search(ctx, "docs", Query{
		Vector:   []float32{1, 0},
		TopK:     10,
		MinScore: 0.5,
		Filter:   map[string]any{"source": "fs"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].ID)
}

func TestMemoryStore_UpsertReplacesAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.EnsureCollection(ctx, "tools", 2))

	require.NoError(t, s.Upsert(ctx, "tools", []Point{{ID: "t", Vector: []float32{1, 0}}}))
	require.NoError(t, s.Upsert(ctx, "tools", []Point{{ID: "t", Vector: []float32{0, 1}}}))

	n, err := s.Count(ctx, "tools")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, "tools", []string{"t", "missing"}))
	n, err = s.Count(ctx, "tools")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryStore_DimensionMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.EnsureCollection(ctx, "tools", 3))

	err := s.Upsert(ctx, "tools", []Point{{ID: "t", Vector: []float32{1, 0}}})
	require.Error(t, err)
}

func TestQdrantStore_Search(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/tools/points/search", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(5), req["limit"])
		assert.Equal(t, true, req["with_payload"])

		resp := map[string]any{
			"result": []map[string]any{
				{"score": 0.92, "payload": map[string]any{"_id": "fs.read", "server": "fs"}},
				{"score": 0.81, "payload": map[string]any{"_id": "fs.write", "server": "fs"}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	s := NewQdrantStore(srv.URL)
	hits, err := s.Search(context.Background(), "tools", Query{Vector: []float32{1, 0}, TopK: 5})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "fs.read", hits[0].ID)
	assert.InDelta(t, 0.92, hits[0].Score, 1e-9)
	assert.Equal(t, "fs", hits[0].Payload["server"])
	assert.NotContains(t, hits[0].Payload, "_id")
}

func TestQdrantStore_EnsureCollectionSkipsExisting(t *testing.T) {
	t.Parallel()

	var createCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/tools/exists":
			_, _ = w.Write([]byte(`{"result":{"exists":true}}`))
		case r.Method == http.MethodPut:
			createCalled = true
			_, _ = w.Write([]byte(`{"result":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewQdrantStore(srv.URL)
	require.NoError(t, s.EnsureCollection(context.Background(), "tools", 384))
	assert.False(t, createCalled, "existing collection must not be recreated")
}

func TestQdrantStore_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "collection not found", http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewQdrantStore(srv.URL)
	_, err := s.Search(context.Background(), "missing", Query{Vector: []float32{1}, TopK: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestPointID_Deterministic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, pointID("fs.read"), pointID("fs.read"))
	assert.NotEqual(t, pointID("fs.read"), pointID("fs.write"))
}
