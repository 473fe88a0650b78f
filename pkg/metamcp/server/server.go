// Package server exposes the aggregated tool catalog upstream as a
// single MCP server over stdio, plus the router's own meta-tools.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/registry"
	"github.com/metamcp/metamcp/pkg/metamcp/selector"
	"github.com/metamcp/metamcp/pkg/metamcp/supervisor"
	"github.com/metamcp/metamcp/pkg/telemetry"
)

// Meta-tool names served by the router itself.
const (
	MetaToolFindTools     = "find_tools"
	MetaToolServerStatus  = "server_status"
	MetaToolRestartServer = "restart_server"
)

// Server is the upstream-facing MCP server.
type Server struct {
	mcpServer *server.MCPServer
	registry  *registry.Registry
	chain     *selector.Chain
	sup       *supervisor.Supervisor

	mu            sync.Mutex
	lastQuery     string
	recentTools   []string
	registered    map[string]bool
	syncedVersion uint64
}

// New builds the MCP server and registers the meta-tools. Aggregated
// tools are registered by SyncTools once discovery has run.
func New(name, version string, reg *registry.Registry, chain *selector.Chain, sup *supervisor.Supervisor) *Server {
	s := &Server{
		registry:   reg,
		chain:      chain,
		sup:        sup,
		registered: make(map[string]bool),
	}
	s.mcpServer = server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithToolFilter(s.filterTools),
	)
	s.registerMetaTools()
	return s
}

// Serve runs the stdio transport until the context ends or stdin
// closes.
func (s *Server) Serve(ctx context.Context) error {
	logger.Info("serving MCP over stdio")
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SyncTools reconciles the registered upstream tools with the current
// registry snapshot. Safe to call repeatedly; no-ops when the registry
// version has not moved.
func (s *Server) SyncTools() {
	snap := s.registry.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Version == s.syncedVersion && s.syncedVersion != 0 {
		return
	}

	current := make(map[string]bool, len(snap.Tools))
	for _, t := range snap.Tools {
		current[t.ID] = true
		if !s.registered[t.ID] {
			s.mcpServer.AddTool(domainToMCPTool(t), s.dispatchHandler(t.ID))
			s.registered[t.ID] = true
		}
	}

	var stale []string
	for id := range s.registered {
		if !current[id] {
			stale = append(stale, id)
			delete(s.registered, id)
		}
	}
	if len(stale) > 0 {
		s.mcpServer.DeleteTools(stale...)
	}

	s.syncedVersion = snap.Version
	logger.Debugw("synced upstream tools",
		"version", snap.Version, "tools", len(current), "removed", len(stale))
}

// StartSyncLoop keeps the upstream tool list converging with the
// registry in the background.
func (s *Server) StartSyncLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SyncTools()
			}
		}
	}()
}

// filterTools narrows a tools/list response using the selection chain,
// seeded with the most recent query context. Meta-tools always pass.
// The terminal path returns everything, so a degraded selection never
// hides the catalog.
func (s *Server) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	sctx := s.selectionContext()
	if sctx.Query == "" {
		return tools
	}

	res, err := s.chain.Select(ctx, sctx, s.registry.Snapshot())
	if err != nil {
		return tools
	}

	keep := make(map[string]bool, len(res.ToolIDs))
	for _, id := range res.ToolIDs {
		keep[id] = true
	}

	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if isMetaTool(t.Name) || keep[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

func isMetaTool(name string) bool {
	return name == MetaToolFindTools || name == MetaToolServerStatus || name == MetaToolRestartServer
}

func (s *Server) selectionContext() *metamcp.SelectionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &metamcp.SelectionContext{
		Query:       s.lastQuery,
		ActiveTools: append([]string(nil), s.recentTools...),
		Timestamp:   time.Now(),
	}
}

func (s *Server) noteQuery(query string) {
	s.mu.Lock()
	s.lastQuery = query
	s.mu.Unlock()
}

func (s *Server) noteToolUse(toolID string) {
	s.mu.Lock()
	s.recentTools = append(s.recentTools, toolID)
	if len(s.recentTools) > 10 {
		s.recentTools = s.recentTools[len(s.recentTools)-10:]
	}
	s.mu.Unlock()
}

// dispatchHandler routes an upstream tools/call to the owning child.
func (s *Server) dispatchHandler(toolID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		serverName, _, _ := metamcp.SplitToolID(toolID)

		result, err := s.registry.Dispatch(ctx, toolID, req.GetArguments())
		if err != nil {
			telemetry.DispatchesTotal.WithLabelValues(serverName, "error").Inc()
			return mcp.NewToolResultError(err.Error()), nil
		}
		telemetry.DispatchesTotal.WithLabelValues(serverName, "ok").Inc()
		s.noteToolUse(toolID)
		return result, nil
	}
}

func (s *Server) registerMetaTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name: MetaToolFindTools,
		Description: "Find the tools most relevant to a task. " +
			"Returns a ranked list of tool IDs with descriptions.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "What you are trying to do",
				},
			},
			Required: []string{"query"},
		},
	}, s.handleFindTools)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        MetaToolServerStatus,
		Description: "Report the lifecycle state of every child MCP server.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleServerStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        MetaToolRestartServer,
		Description: "Force a restart of one child MCP server.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Child server name",
				},
			},
			Required: []string{"name"},
		},
	}, s.handleRestartServer)
}

type foundTool struct {
	ID          string `json:"id"`
	Server      string `json:"server"`
	Description string `json:"description"`
	UsageCount  int64  `json:"usage_count"`
}

type findToolsResponse struct {
	Tools    []foundTool `json:"tools"`
	Strategy string      `json:"strategy"`
	Degraded bool        `json:"degraded,omitempty"`
}

func (s *Server) handleFindTools(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	query, _ := args["query"].(string)
	if query == "" {
		return mcp.NewToolResultError("query must not be empty"), nil
	}
	s.noteQuery(query)

	sctx := &metamcp.SelectionContext{Query: query, Timestamp: time.Now()}
	res, err := s.chain.Select(ctx, sctx, s.registry.Snapshot())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("selection failed: %v", err)), nil
	}

	resp := findToolsResponse{
		Tools:    make([]foundTool, 0, len(res.ToolIDs)),
		Strategy: res.StrategyUsed,
		Degraded: res.Degraded,
	}
	for _, id := range res.ToolIDs {
		t, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		resp.Tools = append(resp.Tools, foundTool{
			ID:          t.ID,
			Server:      t.ServerName,
			Description: t.Description,
			UsageCount:  t.UsageCount,
		})
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleServerStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(s.sup.Status(), "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleRestartServer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := req.GetArguments()["name"].(string)
	if name == "" {
		return mcp.NewToolResultError("name must not be empty"), nil
	}
	if err := s.sup.RestartServer(ctx, name); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("restart failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("restart of %s initiated", name)), nil
}

// domainToMCPTool converts a registry tool for upstream registration.
// The namespaced ID becomes the upstream tool name.
func domainToMCPTool(t metamcp.Tool) mcp.Tool {
	schema := mcp.ToolInputSchema{Type: "object"}
	if typ, ok := t.InputSchema["type"].(string); ok && typ != "" {
		schema.Type = typ
	}
	if props, ok := t.InputSchema["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	switch req := t.InputSchema["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		for _, r := range req {
			if str, ok := r.(string); ok {
				schema.Required = append(schema.Required, str)
			}
		}
	}

	return mcp.Tool{
		Name:        t.ID,
		Description: t.Description,
		InputSchema: schema,
	}
}
