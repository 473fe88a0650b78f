package selector

import (
	"context"
	"fmt"
	"sort"

	"github.com/metamcp/metamcp/pkg/embeddings"
	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/registry"
	"github.com/metamcp/metamcp/pkg/vectorstore"
)

// Vector strategy defaults.
const (
	DefaultVectorThreshold = 0.4

	// adaptiveFloor is the minimum top score accepted when the
	// threshold is relaxed adaptively.
	adaptiveFloor = 0.1
)

// VectorStrategy ranks tools by cosine similarity between the context
// embedding and each tool's description embedding.
type VectorStrategy struct {
	embedder  *embeddings.Manager
	registry  *registry.Registry
	threshold float64
	adaptive  bool
	topK      int
}

// NewVectorStrategy creates the similarity-based strategy. When
// adaptive is set, a selection that finds nothing above the threshold
// retries without one and accepts the result if the best score clears
// a small floor.
func NewVectorStrategy(embedder *embeddings.Manager, reg *registry.Registry, threshold float64, adaptive bool, topK int) *VectorStrategy {
	if threshold == 0 {
		threshold = DefaultVectorThreshold
	}
	if topK == 0 {
		topK = DefaultMaxTools
	}
	return &VectorStrategy{
		embedder:  embedder,
		registry:  reg,
		threshold: threshold,
		adaptive:  adaptive,
		topK:      topK,
	}
}

// Name implements Strategy.
func (*VectorStrategy) Name() string { return "vector" }

type scoredTool struct {
	tool  metamcp.Tool
	score float64
}

// Select implements Strategy.
func (s *VectorStrategy) Select(ctx context.Context, sctx *metamcp.SelectionContext, snap *registry.Snapshot) (*StrategyResult, error) {
	if len(snap.Tools) == 0 {
		return &StrategyResult{}, nil
	}

	queryVec, err := s.embedder.Embed(ctx, sctx.ContextText())
	if err != nil {
		return nil, fmt.Errorf("%w: embedding context: %w", metamcp.ErrStrategyFailed, err)
	}

	tools, err := s.ensureEmbeddings(ctx, snap.Tools)
	if err != nil {
		return nil, err
	}

	scored := make([]scoredTool, 0, len(tools))
	for _, t := range tools {
		scored = append(scored, scoredTool{
			tool:  t,
			score: vectorstore.CosineSimilarity(queryVec, t.Embedding),
		})
	}
	rankScored(scored)

	selected := aboveThreshold(scored, s.threshold)
	if len(selected) == 0 && s.adaptive {
		// Nothing clears the configured threshold; relax it and keep
		// the result only if the best match is not pure noise.
		if scored[0].score > adaptiveFloor {
			logger.Debugw("vector threshold relaxed",
				"threshold", s.threshold, "top_score", scored[0].score)
			selected = scored
		}
	}
	if len(selected) > s.topK {
		selected = selected[:s.topK]
	}

	ids := make([]string, len(selected))
	var sum float64
	for i, st := range selected {
		ids[i] = st.tool.ID
		sum += st.score
	}
	confidence := 0.0
	if len(selected) > 0 {
		confidence = sum / float64(len(selected))
	}
	return &StrategyResult{ToolIDs: ids, Confidence: confidence}, nil
}

// ensureEmbeddings fills in missing tool embeddings, writing them back
// to the registry cache keyed by description hash.
func (s *VectorStrategy) ensureEmbeddings(ctx context.Context, tools []metamcp.Tool) ([]metamcp.Tool, error) {
	var missing []int
	for i, t := range tools {
		if t.Embedding == nil {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return tools, nil
	}

	texts := make([]string, len(missing))
	for i, idx := range missing {
		texts[i] = tools[idx].EmbeddingText()
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding %d tools: %w", metamcp.ErrStrategyFailed, len(missing), err)
	}

	out := make([]metamcp.Tool, len(tools))
	copy(out, tools)
	for i, idx := range missing {
		out[idx].Embedding = vecs[i]
		if s.registry != nil {
			s.registry.SetEmbedding(out[idx].ID, metamcp.DescriptionHash(out[idx].Description), vecs[i])
		}
	}
	return out, nil
}

// rankScored orders by similarity descending, then usage count
// descending, then ID ascending.
func rankScored(scored []scoredTool) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].tool.UsageCount != scored[j].tool.UsageCount {
			return scored[i].tool.UsageCount > scored[j].tool.UsageCount
		}
		return scored[i].tool.ID < scored[j].tool.ID
	})
}

func aboveThreshold(scored []scoredTool, threshold float64) []scoredTool {
	out := make([]scoredTool, 0, len(scored))
	for _, st := range scored {
		if st.score >= threshold {
			out = append(out, st)
		}
	}
	return out
}
