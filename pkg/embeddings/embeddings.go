// Package embeddings generates vector embeddings for tool descriptions
// and selection contexts using pluggable backends.
package embeddings

import (
	"context"
	"fmt"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
)

// Backend type names accepted in configuration.
const (
	BackendTypeOllama      = "ollama"
	BackendTypeOpenAI      = "openai"
	BackendTypePlaceholder = "placeholder"
)

// Config holds configuration for the embedding manager.
type Config struct {
	// BackendType selects the backend:
	// - "ollama": Ollama native API
	// - "openai": any OpenAI-compatible /v1/embeddings endpoint
	// - "placeholder": deterministic hash-based embeddings for testing
	BackendType string

	// BaseURL is the base URL of the embedding service.
	BaseURL string

	// Model is the embedding model name.
	Model string

	// Dimension is the embedding dimension (default 384).
	Dimension int

	// EnableCache enables in-memory caching keyed by input text.
	EnableCache bool

	// MaxCacheSize bounds the cache (default 1000 entries).
	MaxCacheSize int
}

// Backend is implemented by each embedding provider.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Close() error
}

// Manager wraps a Backend with caching. Backends that cannot be
// reached at startup degrade to the placeholder; runtime failures
// surface as ErrEmbeddingProvider so callers can fall back themselves.
type Manager struct {
	config  *Config
	backend Backend
	cache   *textCache
}

// NewManager creates an embedding manager from config. An unreachable
// ollama/openai backend degrades to placeholder embeddings with a
// warning rather than failing startup.
func NewManager(config *Config) (*Manager, error) {
	if config.Dimension == 0 {
		config.Dimension = 384
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}
	if config.BackendType == "" {
		config.BackendType = BackendTypePlaceholder
	}

	var backend Backend
	var err error

	switch config.BackendType {
	case BackendTypeOllama:
		backend, err = NewOllamaBackend(config.BaseURL, config.Model)
		if err != nil {
			logger.Warnf("Failed to initialize Ollama backend: %v; falling back to placeholder embeddings", err)
			backend = &PlaceholderBackend{dimension: config.Dimension}
		}

	case BackendTypeOpenAI:
		if config.BaseURL == "" {
			return nil, fmt.Errorf("%w: BaseURL is required for openai backend", metamcp.ErrEmbeddingProvider)
		}
		if config.Model == "" {
			return nil, fmt.Errorf("%w: model is required for openai backend", metamcp.ErrEmbeddingProvider)
		}
		backend = NewOpenAIBackend(config.BaseURL, config.Model, config.Dimension)

	case BackendTypePlaceholder:
		backend = &PlaceholderBackend{dimension: config.Dimension}

	default:
		return nil, fmt.Errorf("%w: unknown backend type %q (supported: ollama, openai, placeholder)",
			metamcp.ErrEmbeddingProvider, config.BackendType)
	}

	m := &Manager{
		config:  config,
		backend: backend,
	}
	if config.EnableCache {
		m.cache = newTextCache(config.MaxCacheSize)
	}
	return m, nil
}

// Embed returns the embedding for a single text, consulting the cache
// first when enabled.
func (m *Manager) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.cache != nil {
		if cached := m.cache.Get(text); cached != nil {
			logger.Debugw("embedding cache hit", "len", len(text))
			return cached, nil
		}
	}

	out, err := m.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.Put(text, out[0])
	}
	return out[0], nil
}

// EmbedBatch returns embeddings for multiple texts in input order.
func (m *Manager) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts provided", metamcp.ErrEmbeddingProvider)
	}
	return m.embedBatch(ctx, texts)
}

// embedBatch calls the backend without holding any lock; concurrent
// selections embed in parallel. A failing backend is an error, not a
// silent downgrade: placeholder vectors score far above the similarity
// threshold against each other, so substituting them here would turn
// an outage into confident, arbitrary selections.
func (m *Manager) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := m.backend.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", metamcp.ErrEmbeddingProvider, err)
	}
	return out, nil
}

// Dimension returns the embedding dimension of the active backend.
func (m *Manager) Dimension() int {
	if m.backend != nil {
		return m.backend.Dimension()
	}
	return m.config.Dimension
}

// CacheStats reports cache hit/miss counters for diagnostics.
func (m *Manager) CacheStats() (hits, misses int64, size int) {
	if m.cache == nil {
		return 0, 0, 0
	}
	return m.cache.Stats()
}

// Close releases backend resources.
func (m *Manager) Close() error {
	if m.backend != nil {
		return m.backend.Close()
	}
	return nil
}
