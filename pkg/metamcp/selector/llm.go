package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/metamcp/metamcp/pkg/llm"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/registry"
)

const llmSystemPrompt = `You are a tool selection assistant for an MCP router. ` +
	`Given a user query and a catalog of available tools, select the tools most relevant to the query. ` +
	`Respond with a single JSON object: {"selected_tools": ["<tool_id>", ...], "reasoning": "<short>", "confidence": <0..1>}. ` +
	`Use only tool IDs from the catalog. Select at most %d tools. Respond with JSON only.`

// LLMStrategy asks a local language model to pick tools.
type LLMStrategy struct {
	client   *llm.Client
	maxTools int
}

// NewLLMStrategy creates the LLM-based strategy.
func NewLLMStrategy(client *llm.Client, maxTools int) *LLMStrategy {
	if maxTools == 0 {
		maxTools = DefaultMaxTools
	}
	return &LLMStrategy{client: client, maxTools: maxTools}
}

// Name implements Strategy.
func (*LLMStrategy) Name() string { return "llm" }

// Select implements Strategy.
func (s *LLMStrategy) Select(ctx context.Context, sctx *metamcp.SelectionContext, snap *registry.Snapshot) (*StrategyResult, error) {
	if len(snap.Tools) == 0 {
		return &StrategyResult{}, nil
	}
	return completeSelection(ctx, s.client, s.maxTools, buildUserPrompt(sctx, snap, nil), snap)
}

// completeSelection runs one LLM tool-selection round trip and
// validates the model's answer against the catalog.
func completeSelection(ctx context.Context, client *llm.Client, maxTools int, userPrompt string, snap *registry.Snapshot) (*StrategyResult, error) {
	raw, err := client.Complete(ctx, fmt.Sprintf(llmSystemPrompt, maxTools), userPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", metamcp.ErrStrategyFailed, err)
	}

	obj, ok := llm.ExtractJSONObject(raw)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object in model output", metamcp.ErrStrategyFailed)
	}

	available := make(map[string]bool, len(snap.Tools))
	for _, t := range snap.Tools {
		available[t.ID] = true
	}

	// Keep the model's ranking, dropping hallucinated or duplicate IDs.
	var ids []string
	seen := make(map[string]bool)
	for _, v := range gjson.Get(obj, "selected_tools").Array() {
		id := v.String()
		if available[id] && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: model selected no valid tools", metamcp.ErrStrategyFailed)
	}
	if len(ids) > maxTools {
		ids = ids[:maxTools]
	}

	return &StrategyResult{
		ToolIDs:    ids,
		Confidence: gjson.Get(obj, "confidence").Float(),
	}, nil
}

// buildUserPrompt renders the query, recent context, optional
// documentation excerpts, and the tool catalog with parameter
// summaries.
func buildUserPrompt(sctx *metamcp.SelectionContext, snap *registry.Snapshot, docs []string) string {
	var b strings.Builder
	b.WriteString("Analyze this user query and select the most relevant tools.\n\n")
	b.WriteString("Query: ")
	b.WriteString(sctx.Query)
	b.WriteString("\n")

	if len(sctx.RecentMessages) > 0 {
		b.WriteString("\nRecent conversation:\n")
		msgs := sctx.RecentMessages
		if len(msgs) > 3 {
			msgs = msgs[len(msgs)-3:]
		}
		for _, m := range msgs {
			b.WriteString("- ")
			b.WriteString(m)
			b.WriteString("\n")
		}
	}

	if len(docs) > 0 {
		b.WriteString("\nRelevant documentation:\n")
		for _, d := range docs {
			b.WriteString(d)
			b.WriteString("\n---\n")
		}
	}

	b.WriteString("\nAvailable tools:\n")
	for _, t := range snap.Tools {
		b.WriteString(t.ID)
		b.WriteString(": ")
		b.WriteString(t.Description)
		if params := summarizeParameters(t.InputSchema); params != "" {
			b.WriteString(" (")
			b.WriteString(params)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// summarizeParameters renders "name: type" pairs from a JSON Schema,
// sorted for prompt stability.
func summarizeParameters(schema map[string]any) string {
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return ""
	}

	parts := make([]string, 0, len(props))
	for name, raw := range props {
		typ := "any"
		if info, ok := raw.(map[string]any); ok {
			if ts, ok := info["type"].(string); ok && ts != "" {
				typ = ts
			}
		}
		parts = append(parts, name+": "+typ)
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
