package selector

import (
	"context"
	"fmt"

	"github.com/metamcp/metamcp/pkg/llm"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/registry"
	"github.com/metamcp/metamcp/pkg/rag"
)

// RAGStrategy is the LLM strategy with retrieval augmentation: the
// top documentation chunks for the query are prepended to the
// selection prompt, grounding the model in how each server's tools are
// actually used.
type RAGStrategy struct {
	pipeline *rag.Pipeline
	client   *llm.Client
	maxTools int
}

// NewRAGStrategy creates the documentation-grounded strategy.
func NewRAGStrategy(pipeline *rag.Pipeline, client *llm.Client, maxTools int) *RAGStrategy {
	if maxTools == 0 {
		maxTools = DefaultMaxTools
	}
	return &RAGStrategy{pipeline: pipeline, client: client, maxTools: maxTools}
}

// Name implements Strategy.
func (*RAGStrategy) Name() string { return "rag" }

// Select implements Strategy.
func (s *RAGStrategy) Select(ctx context.Context, sctx *metamcp.SelectionContext, snap *registry.Snapshot) (*StrategyResult, error) {
	if len(snap.Tools) == 0 {
		return &StrategyResult{}, nil
	}

	chunks, err := s.pipeline.Retrieve(ctx, sctx.ContextText(), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", metamcp.ErrStrategyFailed, err)
	}

	docs := make([]string, 0, len(chunks))
	for _, c := range chunks {
		docs = append(docs, c.Text)
	}

	result, err := completeSelection(ctx, s.client, s.maxTools,
		buildUserPrompt(sctx, snap, docs), snap)
	if err != nil {
		return nil, err
	}

	// Blend the model's confidence with retrieval quality: strong doc
	// hits back up the selection, no hits halve it.
	result.Confidence = (result.Confidence + contextQuality(chunks)) / 2
	return result, nil
}

// contextQuality is the mean similarity of the retrieved chunks.
func contextQuality(chunks []rag.Chunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	var sum float64
	for _, c := range chunks {
		sum += c.Score
	}
	return sum / float64(len(chunks))
}
