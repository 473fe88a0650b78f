// Package registry aggregates tools from all child servers into one
// namespaced, versioned catalog and routes tool calls to the owning
// server.
//
// Every mutation bumps a version counter. Selection results are cached
// against a version, so a registry change naturally invalidates them.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/supervisor"
)

// ToolCaller invokes a tool on one child server by its unprefixed
// name.
type ToolCaller interface {
	CallTool(ctx context.Context, toolName string, arguments map[string]any) (*mcp.CallToolResult, error)
}

// Backend is the child-server access the registry needs: discovery,
// state, and dispatch. The supervisor provides the production
// implementation.
type Backend interface {
	ServerNames() []string
	ServerState(name string) (metamcp.ServerState, bool)
	Caller(name string) (ToolCaller, bool)
	Tools(ctx context.Context, name string) ([]metamcp.Tool, error)
}

// Snapshot is an immutable view of the enabled tools at one version.
// Tools are ordered by ID so iteration order is stable across
// snapshots with the same content.
type Snapshot struct {
	Version uint64
	Tools   []metamcp.Tool
}

// ToolIDs returns the snapshot's tool IDs in order.
func (s *Snapshot) ToolIDs() []string {
	ids := make([]string, len(s.Tools))
	for i, t := range s.Tools {
		ids[i] = t.ID
	}
	return ids
}

type entry struct {
	tool    metamcp.Tool
	enabled bool
}

// Registry is the tool catalog and request router.
type Registry struct {
	backend Backend

	mu      sync.RWMutex
	version uint64
	entries map[string]*entry
}

// New creates an empty registry over the given backend.
func New(backend Backend) *Registry {
	return &Registry{
		backend: backend,
		entries: make(map[string]*entry),
	}
}

// dispatchable says whether a server in this state can take requests.
// Only Running dispatches; tools follow their server out of service on
// any other state.
func dispatchable(state metamcp.ServerState) bool {
	return state == metamcp.ServerRunning
}

// RefreshAll discovers tools from every configured server in parallel.
// Per-server failures are logged, not fatal: a server that cannot be
// listed simply contributes no tools until its next refresh.
func (r *Registry) RefreshAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range r.backend.ServerNames() {
		g.Go(func() error {
			if err := r.RefreshServer(ctx, name); err != nil {
				logger.Warnw("tool discovery failed", "server", name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RefreshServer re-discovers one server's tools, replacing its previous
// registrations. Usage counts survive re-registration; a cached
// embedding survives only when the tool description is unchanged.
func (r *Registry) RefreshServer(ctx context.Context, serverName string) error {
	tools, err := r.backend.Tools(ctx, serverName)
	if err != nil {
		return fmt.Errorf("listing tools for %s: %w", serverName, err)
	}

	state, _ := r.backend.ServerState(serverName)
	enabled := dispatchable(state)

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := make(map[string]metamcp.Tool)
	for id, e := range r.entries {
		if e.tool.ServerName == serverName {
			prev[id] = e.tool
			delete(r.entries, id)
		}
	}

	for _, t := range tools {
		if old, ok := prev[t.ID]; ok {
			t.UsageCount = old.UsageCount
			t.LastUsed = old.LastUsed
			if old.Description == t.Description {
				t.Embedding = old.Embedding
			}
		}
		r.entries[t.ID] = &entry{tool: t, enabled: enabled}
	}
	r.version++

	logger.Infow("refreshed server tools",
		"server", serverName, "tools", len(tools), "version", r.version)
	return nil
}

// RemoveServer drops all of a server's tools, for servers removed by a
// config reload.
func (r *Registry) RemoveServer(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		if e.tool.ServerName == serverName {
			delete(r.entries, id)
			removed++
		}
	}
	if removed > 0 {
		r.version++
		logger.Infow("removed server tools", "server", serverName, "tools", removed)
	}
}

// setServerEnabled flips enablement for all of a server's tools.
func (r *Registry) setServerEnabled(serverName string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for _, e := range r.entries {
		if e.tool.ServerName == serverName && e.enabled != enabled {
			e.enabled = enabled
			changed = true
		}
	}
	if changed {
		r.version++
		logger.Infow("server tools enablement changed",
			"server", serverName, "enabled", enabled, "version", r.version)
	}
}

// HandleStateChange reacts to supervisor transitions: tools follow
// their server in and out of service. Wire this as a supervisor
// listener; the refresh on recovery runs asynchronously because
// listeners must not block the health loop.
func (r *Registry) HandleStateChange(change supervisor.StateChange) {
	switch change.To {
	case metamcp.ServerRunning:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := r.RefreshServer(ctx, change.Server); err != nil {
				logger.Warnw("refresh after recovery failed",
					"server", change.Server, "error", err)
				// Fall back to re-enabling whatever was registered.
				r.setServerEnabled(change.Server, true)
			}
		}()
	default:
		r.setServerEnabled(change.Server, false)
	}
}

// Snapshot returns the current enabled tool set, ordered by ID.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]metamcp.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		if e.enabled {
			tools = append(tools, e.tool)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })

	return &Snapshot{Version: r.version, Tools: tools}
}

// Version returns the current registry version.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Get returns a tool by ID regardless of enablement.
func (r *Registry) Get(toolID string) (metamcp.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[toolID]
	if !ok {
		return metamcp.Tool{}, false
	}
	return e.tool, true
}

// SetEmbedding caches a computed embedding on a tool. The hash guards
// against racing a refresh that changed the description.
func (r *Registry) SetEmbedding(toolID, descriptionHash string, embedding []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[toolID]
	if !ok {
		return
	}
	if metamcp.DescriptionHash(e.tool.Description) != descriptionHash {
		return
	}
	e.tool.Embedding = embedding
}

// Dispatch routes a tool call to the owning child server. On success
// the tool's usage count is incremented.
func (r *Registry) Dispatch(ctx context.Context, toolID string, arguments map[string]any) (*mcp.CallToolResult, error) {
	serverName, toolName, ok := metamcp.SplitToolID(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: malformed tool ID %q", metamcp.ErrToolNotFound, toolID)
	}

	r.mu.RLock()
	e, exists := r.entries[toolID]
	enabled := exists && e.enabled
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", metamcp.ErrToolNotFound, toolID)
	}
	if !enabled {
		state, _ := r.backend.ServerState(serverName)
		return nil, fmt.Errorf("%w: server %s is %s", metamcp.ErrServerUnavailable, serverName, state)
	}

	caller, ok := r.backend.Caller(serverName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", metamcp.ErrServerUnavailable, serverName)
	}

	result, err := caller.CallTool(ctx, toolName, arguments)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if e, ok := r.entries[toolID]; ok {
		e.tool.UsageCount++
		e.tool.LastUsed = time.Now()
	}
	r.mu.Unlock()

	logger.Debugw("dispatched tool call", "tool", toolID)
	return result, nil
}

// SupervisorBackend adapts the supervisor to the Backend interface.
type SupervisorBackend struct {
	S *supervisor.Supervisor
}

// ServerNames lists configured servers.
func (b SupervisorBackend) ServerNames() []string {
	return b.S.ServerNames()
}

// ServerState reports a server's lifecycle state.
func (b SupervisorBackend) ServerState(name string) (metamcp.ServerState, bool) {
	return b.S.ServerState(name)
}

// Caller returns the dispatch client for a server.
func (b SupervisorBackend) Caller(name string) (ToolCaller, bool) {
	c, ok := b.S.Client(name)
	if !ok {
		return nil, false
	}
	return c, true
}

// Tools lists a server's tools.
func (b SupervisorBackend) Tools(ctx context.Context, name string) ([]metamcp.Tool, error) {
	return b.S.Tools(ctx, name)
}
