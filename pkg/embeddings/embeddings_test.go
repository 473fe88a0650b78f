package embeddings

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

func TestPlaceholderBackend_Deterministic(t *testing.T) {
	t.Parallel()

	backend := NewPlaceholderBackend(384)
	ctx := context.Background()

	a, err := backend.Embed(ctx, "read a file from disk")
	require.NoError(t, err)
	b, err := backend.Embed(ctx, "read a file from disk")
	require.NoError(t, err)
	c, err := backend.Embed(ctx, "query a database")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same text must embed identically")
	assert.NotEqual(t, a, c, "different texts must embed differently")
	assert.Len(t, a, 384)
}

func TestPlaceholderBackend_Batch(t *testing.T) {
	t.Parallel()

	backend := NewPlaceholderBackend(8)
	out, err := backend.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, out, 3)

	single, err := backend.Embed(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, single, out[1], "batch order must match input order")
}

func TestPlaceholderBackend_UnitLength(t *testing.T) {
	t.Parallel()

	backend := NewPlaceholderBackend(64)
	emb, err := backend.Embed(context.Background(), "some text")
	require.NoError(t, err)

	var sumSquares float64
	for _, v := range emb {
		sumSquares += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSquares), 1e-5)
}

func TestManager_DefaultsToPlaceholder(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&Config{})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 384, m.Dimension())

	emb, err := m.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, emb, 384)
}

func TestManager_UnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := NewManager(&Config{BackendType: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend type")
}

func TestManager_Cache(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&Config{EnableCache: true, MaxCacheSize: 10})
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	first, err := m.Embed(ctx, "cached text")
	require.NoError(t, err)
	second, err := m.Embed(ctx, "cached text")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	hits, misses, size := m.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, size)
}

func TestManager_EmptyBatch(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&Config{})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.EmbedBatch(context.Background(), nil)
	require.Error(t, err)
}

func TestManager_BackendFailurePropagates(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&Config{
		BackendType: BackendTypeOpenAI,
		BaseURL:     "http://127.0.0.1:1",
		Model:       "test-model",
	})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Embed(context.Background(), "anything")
	require.ErrorIs(t, err, metamcp.ErrEmbeddingProvider,
		"an unreachable backend must surface as an error, not placeholder vectors")

	_, err = m.EmbedBatch(context.Background(), []string{"a", "b"})
	require.ErrorIs(t, err, metamcp.ErrEmbeddingProvider)
}

func TestManager_ConcurrentEmbedsNotSerialized(t *testing.T) {
	t.Parallel()

	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := openAIEmbedResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float64 `json:"embedding"`
			}{Index: i, Embedding: []float64{1, 0}})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	m, err := NewManager(&Config{
		BackendType: BackendTypeOpenAI,
		BaseURL:     srv.URL,
		Model:       "test-model",
		Dimension:   2,
	})
	require.NoError(t, err)
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, embedErr := m.Embed(context.Background(), fmt.Sprintf("text-%d", i))
			assert.NoError(t, embedErr)
		}(i)
	}

	// Both requests must be in flight at once; holding a lock across
	// the backend call would leave the second blocked behind the first.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatal("concurrent embedding requests were serialized")
		}
	}
	close(release)
	wg.Wait()
}

func TestOpenAIBackend_EmbedBatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)

		resp := openAIEmbedResponse{}
		// Return entries reversed to exercise index-based placement.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float64 `json:"embedding"`
			}{Index: i, Embedding: []float64{float64(i), 1.0}})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	backend := NewOpenAIBackend(srv.URL, "test-model", 2)
	out, err := backend.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []float32{0, 1}, out[0])
	assert.Equal(t, []float32{1, 1}, out[1])
	assert.Equal(t, []float32{2, 1}, out[2])
}

func TestOpenAIBackend_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	backend := NewOpenAIBackend(srv.URL, "test-model", 2)
	_, err := backend.Embed(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestTextCache_Eviction(t *testing.T) {
	t.Parallel()

	c := newTextCache(2)
	c.Put("a", []float32{1})
	c.Put("b", []float32{2})
	c.Put("c", []float32{3})

	assert.Nil(t, c.Get("a"), "oldest entry must be evicted")
	assert.NotNil(t, c.Get("b"))
	assert.NotNil(t, c.Get("c"))
}
