package selector

import (
	"sync"
	"time"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

// selectionCache memoizes selection results keyed by context hash and
// snapshot version. Entries expire after a TTL; a registry change
// produces a new version and so never hits stale entries.
type selectionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result  *metamcp.SelectionResult
	expires time.Time
}

func newSelectionCache(ttl time.Duration) *selectionCache {
	return &selectionCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *selectionCache) get(key string) (*metamcp.SelectionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.result, true
}

func (c *selectionCache) put(key string, result *metamcp.SelectionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic pruning keeps the map from growing unbounded.
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{result: result, expires: now.Add(c.ttl)}
}
