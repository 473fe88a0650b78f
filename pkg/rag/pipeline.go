// Package rag indexes tool documentation into a vector store and
// retrieves the chunks most relevant to a query. The retrieval results
// feed the documentation-grounded tool selection strategy.
package rag

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp/pkg/embeddings"
	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/vectorstore"
)

// Retrieval defaults.
const (
	DefaultTopK           = 5
	DefaultScoreThreshold = 0.7
)

// Payload keys stored with each chunk.
const (
	payloadSource = "source"
	payloadText   = "text"
	payloadChunk  = "chunk"
)

// Config holds pipeline configuration.
type Config struct {
	// Collection is the vector store collection for doc chunks.
	Collection string

	// ChunkSize and ChunkOverlap control chunking. Zero uses defaults.
	ChunkSize    int
	ChunkOverlap int

	// TopK is the default number of chunks returned. Zero uses 5.
	TopK int

	// ScoreThreshold drops chunks below this similarity. Zero uses 0.7.
	ScoreThreshold float64
}

// Chunk is one retrieved documentation fragment.
type Chunk struct {
	// Source identifies the document, typically a tool ID or server
	// name.
	Source string

	// Text is the chunk content.
	Text string

	// Score is the similarity to the query.
	Score float64
}

// Pipeline chunks, embeds, and indexes documentation, and retrieves
// chunks by similarity.
type Pipeline struct {
	config   Config
	embedder *embeddings.Manager
	store    vectorstore.Store
}

// NewPipeline creates a pipeline and ensures its collection exists.
func NewPipeline(ctx context.Context, config Config, embedder *embeddings.Manager, store vectorstore.Store) (*Pipeline, error) {
	if config.Collection == "" {
		config.Collection = "metamcp_docs"
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = DefaultChunkOverlap
	}
	if config.TopK == 0 {
		config.TopK = DefaultTopK
	}
	if config.ScoreThreshold == 0 {
		config.ScoreThreshold = DefaultScoreThreshold
	}

	if err := store.EnsureCollection(ctx, config.Collection, embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("%w: ensuring doc collection: %w", metamcp.ErrRAGRetrieval, err)
	}
	return &Pipeline{config: config, embedder: embedder, store: store}, nil
}

// IndexDocument chunks and indexes one document under the given
// source. Re-indexing the same source replaces its previous chunks.
func (p *Pipeline) IndexDocument(ctx context.Context, source, text string) (int, error) {
	chunks := ChunkText(text, p.config.ChunkSize, p.config.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := p.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("%w: embedding %d chunks for %s: %w",
			metamcp.ErrRAGRetrieval, len(chunks), source, err)
	}

	points := make([]vectorstore.Point, len(chunks))
	for i, chunk := range chunks {
		points[i] = vectorstore.Point{
			// Deterministic per (source, index) so re-indexing a source
			// overwrites rather than duplicates.
			ID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s#%d", source, i))).String(),
			Vector: vectors[i],
			Payload: map[string]any{
				payloadSource: source,
				payloadText:   chunk,
				payloadChunk:  i,
			},
		}
	}

	if err := p.store.Upsert(ctx, p.config.Collection, points); err != nil {
		return 0, fmt.Errorf("%w: indexing %s: %w", metamcp.ErrRAGRetrieval, source, err)
	}
	logger.Debugw("indexed document", "source", source, "chunks", len(chunks))
	return len(chunks), nil
}

// Retrieve returns the chunks most similar to the query, best first.
// source, when non-empty, restricts retrieval to one document.
func (p *Pipeline) Retrieve(ctx context.Context, query, source string) ([]Chunk, error) {
	vector, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", metamcp.ErrRAGRetrieval, err)
	}

	q := vectorstore.Query{
		Vector:   vector,
		TopK:     p.config.TopK,
		MinScore: p.config.ScoreThreshold,
	}
	if source != "" {
		q.Filter = map[string]any{payloadSource: source}
	}

	hits, err := p.store.Search(ctx, p.config.Collection, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", metamcp.ErrRAGRetrieval, err)
	}

	chunks := make([]Chunk, 0, len(hits))
	for _, h := range hits {
		src, _ := h.Payload[payloadSource].(string)
		text, _ := h.Payload[payloadText].(string)
		chunks = append(chunks, Chunk{Source: src, Text: text, Score: h.Score})
	}
	return chunks, nil
}
