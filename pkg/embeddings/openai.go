package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

// OpenAIBackend generates embeddings through any OpenAI-compatible
// /v1/embeddings endpoint (LM Studio, vLLM, OpenAI itself).
type OpenAIBackend struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAIBackend creates an OpenAI-compatible backend. No connection
// probe is made; the first Embed call surfaces reachability errors.
func NewOpenAIBackend(baseURL, model string, dimension int) *OpenAIBackend {
	return &OpenAIBackend{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed generates an embedding for a single text.
func (b *OpenAIBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (b *OpenAIBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openAIEmbedRequest{Model: b.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %w", metamcp.ErrEmbeddingProvider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", metamcp.ErrEmbeddingProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: embeddings request failed: %w", metamcp.ErrEmbeddingProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: embeddings endpoint returned status %d: %s",
			metamcp.ErrEmbeddingProvider, resp.StatusCode, string(msg))
	}

	var embedResp openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", metamcp.ErrEmbeddingProvider, err)
	}
	if len(embedResp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d",
			metamcp.ErrEmbeddingProvider, len(texts), len(embedResp.Data))
	}

	// The API may return entries out of order; place by index.
	out := make([][]float32, len(texts))
	for _, d := range embedResp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", metamcp.ErrEmbeddingProvider, d.Index)
		}
		emb := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			emb[i] = float32(v)
		}
		out[d.Index] = emb
	}
	return out, nil
}

// Dimension returns the configured embedding dimension.
func (b *OpenAIBackend) Dimension() int {
	return b.dimension
}

// Close releases any resources.
func (*OpenAIBackend) Close() error {
	return nil
}
