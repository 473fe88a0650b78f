package embeddings

import "sync"

// textCache is a bounded FIFO cache mapping input text to its
// embedding. Embeddings are deterministic for a given backend/model,
// so entries never expire; they are only evicted to bound memory.
type textCache struct {
	mu      sync.RWMutex
	entries map[string][]float32
	order   []string
	maxSize int
	hits    int64
	misses  int64
}

func newTextCache(maxSize int) *textCache {
	return &textCache{
		entries: make(map[string][]float32, maxSize),
		maxSize: maxSize,
	}
}

// Get returns the cached embedding for text, or nil on a miss.
func (c *textCache) Get(text string) []float32 {
	c.mu.RLock()
	emb, ok := c.entries[text]
	c.mu.RUnlock()

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	return emb
}

// Put stores an embedding, evicting the oldest entry when full.
func (c *textCache) Put(text string, embedding []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[text]; exists {
		c.entries[text] = embedding
		return
	}
	if len(c.entries) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[text] = embedding
	c.order = append(c.order, text)
}

// Stats returns hit/miss counters and the current size.
func (c *textCache) Stats() (hits, misses int64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.entries)
}

// Clear drops all entries.
func (c *textCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]float32, c.maxSize)
	c.order = nil
}
