package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"

	// nomic-embed-text dimension
	defaultOllamaDimension = 768
)

// OllamaBackend generates embeddings through a local Ollama instance
// using its native /api/embeddings endpoint.
type OllamaBackend struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllamaBackend creates an Ollama backend and verifies the service
// is reachable.
func NewOllamaBackend(baseURL, model string) (*OllamaBackend, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = defaultOllamaModel
	}

	b := &OllamaBackend{
		baseURL:   baseURL,
		model:     model,
		dimension: defaultOllamaDimension,
		client:    &http.Client{Timeout: 30 * time.Second},
	}

	resp, err := b.client.Get(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to Ollama at %s: %w (is 'ollama serve' running?)",
			metamcp.ErrEmbeddingProvider, baseURL, err)
	}
	resp.Body.Close()

	logger.Infow("connected to Ollama embedding backend", "model", model, "url", baseURL)
	return b, nil
}

// Embed generates an embedding for a single text.
func (o *OllamaBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %w", metamcp.ErrEmbeddingProvider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", metamcp.ErrEmbeddingProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to call Ollama API: %w", metamcp.ErrEmbeddingProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: Ollama API returned status %d: %s",
			metamcp.ErrEmbeddingProvider, resp.StatusCode, string(msg))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", metamcp.ErrEmbeddingProvider, err)
	}

	embedding := make([]float32, len(embedResp.Embedding))
	for i, v := range embedResp.Embedding {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts. Ollama's native
// API embeds one prompt per call, so this issues sequential requests.
func (o *OllamaBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := o.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimension returns the embedding dimension.
func (o *OllamaBackend) Dimension() int {
	return o.dimension
}

// Close releases any resources.
func (*OllamaBackend) Close() error {
	return nil
}
