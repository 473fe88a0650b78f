package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/supervisor"
)

type fakeBackend struct {
	mu      sync.Mutex
	tools   map[string][]metamcp.Tool
	states  map[string]metamcp.ServerState
	callErr error
	calls   []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tools:  make(map[string][]metamcp.Tool),
		states: make(map[string]metamcp.ServerState),
	}
}

func (f *fakeBackend) addServer(name string, state metamcp.ServerState, toolNames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var tools []metamcp.Tool
	for _, tn := range toolNames {
		tools = append(tools, metamcp.Tool{
			ID:          metamcp.ToolID(name, tn),
			ServerName:  name,
			Name:        tn,
			Description: "does " + tn,
		})
	}
	f.tools[name] = tools
	f.states[name] = state
}

func (f *fakeBackend) ServerNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.tools))
	for n := range f.tools {
		names = append(names, n)
	}
	return names
}

func (f *fakeBackend) ServerState(name string) (metamcp.ServerState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[name]
	return s, ok
}

func (f *fakeBackend) Caller(name string) (ToolCaller, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[name] != metamcp.ServerRunning {
		return nil, false
	}
	return &fakeCaller{backend: f, server: name}, true
}

func (f *fakeBackend) Tools(_ context.Context, name string) ([]metamcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tools, ok := f.tools[name]
	if !ok {
		return nil, errors.New("unknown server")
	}
	return tools, nil
}

type fakeCaller struct {
	backend *fakeBackend
	server  string
}

func (c *fakeCaller) CallTool(_ context.Context, toolName string, _ map[string]any) (*mcp.CallToolResult, error) {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	if c.backend.callErr != nil {
		return nil, c.backend.callErr
	}
	c.backend.calls = append(c.backend.calls, metamcp.ToolID(c.server, toolName))
	return &mcp.CallToolResult{}, nil
}

func TestRegistry_RefreshAllAndSnapshot(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addServer("fs", metamcp.ServerRunning, "read_file", "write_file")
	b.addServer("web", metamcp.ServerRunning, "search")

	r := New(b)
	require.NoError(t, r.RefreshAll(context.Background()))

	snap := r.Snapshot()
	assert.Equal(t, []string{"fs.read_file", "fs.write_file", "web.search"}, snap.ToolIDs())
	assert.NotZero(t, snap.Version)
}

func TestRegistry_DisabledServerExcluded(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addServer("fs", metamcp.ServerRunning, "read_file")
	b.addServer("down", metamcp.ServerStopped, "tool")

	r := New(b)
	require.NoError(t, r.RefreshAll(context.Background()))

	snap := r.Snapshot()
	assert.Equal(t, []string{"fs.read_file"}, snap.ToolIDs())

	// The tool is registered, just not enabled.
	_, ok := r.Get("down.tool")
	assert.True(t, ok)

	_, err := r.Dispatch(context.Background(), "down.tool", nil)
	require.ErrorIs(t, err, metamcp.ErrServerUnavailable)
}

func TestRegistry_Dispatch(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addServer("fs", metamcp.ServerRunning, "read_file")

	r := New(b)
	require.NoError(t, r.RefreshAll(context.Background()))

	_, err := r.Dispatch(context.Background(), "fs.read_file", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fs.read_file"}, b.calls)

	tool, ok := r.Get("fs.read_file")
	require.True(t, ok)
	assert.Equal(t, int64(1), tool.UsageCount)
	assert.False(t, tool.LastUsed.IsZero())
}

func TestRegistry_DispatchErrors(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addServer("fs", metamcp.ServerRunning, "read_file")

	r := New(b)
	require.NoError(t, r.RefreshAll(context.Background()))

	_, err := r.Dispatch(context.Background(), "not-namespaced", nil)
	require.ErrorIs(t, err, metamcp.ErrToolNotFound)

	_, err = r.Dispatch(context.Background(), "fs.missing", nil)
	require.ErrorIs(t, err, metamcp.ErrToolNotFound)

	b.mu.Lock()
	b.callErr = errors.New("upstream broke")
	b.mu.Unlock()
	_, err = r.Dispatch(context.Background(), "fs.read_file", nil)
	require.Error(t, err)

	tool, _ := r.Get("fs.read_file")
	assert.Zero(t, tool.UsageCount, "failed dispatch must not count as usage")
}

func TestRegistry_RefreshPreservesUsageAndEmbedding(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addServer("fs", metamcp.ServerRunning, "read_file")

	r := New(b)
	require.NoError(t, r.RefreshAll(context.Background()))

	_, err := r.Dispatch(context.Background(), "fs.read_file", nil)
	require.NoError(t, err)

	tool, _ := r.Get("fs.read_file")
	r.SetEmbedding("fs.read_file", metamcp.DescriptionHash(tool.Description), []float32{1, 2, 3})

	require.NoError(t, r.RefreshServer(context.Background(), "fs"))

	tool, _ = r.Get("fs.read_file")
	assert.Equal(t, int64(1), tool.UsageCount, "usage must survive re-registration")
	assert.Equal(t, []float32{1, 2, 3}, tool.Embedding, "embedding must survive unchanged description")

	// Change the description: the embedding is stale and must drop.
	b.mu.Lock()
	b.tools["fs"][0].Description = "reads file contents from disk"
	b.mu.Unlock()
	require.NoError(t, r.RefreshServer(context.Background(), "fs"))

	tool, _ = r.Get("fs.read_file")
	assert.Nil(t, tool.Embedding)
	assert.Equal(t, int64(1), tool.UsageCount)
}

func TestRegistry_SetEmbeddingStaleHashIgnored(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addServer("fs", metamcp.ServerRunning, "read_file")

	r := New(b)
	require.NoError(t, r.RefreshAll(context.Background()))

	r.SetEmbedding("fs.read_file", metamcp.DescriptionHash("some old description"), []float32{9})

	tool, _ := r.Get("fs.read_file")
	assert.Nil(t, tool.Embedding)
}

func TestRegistry_HandleStateChange(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addServer("fs", metamcp.ServerRunning, "read_file")

	r := New(b)
	require.NoError(t, r.RefreshAll(context.Background()))
	require.Len(t, r.Snapshot().Tools, 1)
	before := r.Version()

	r.HandleStateChange(supervisor.StateChange{
		Server: "fs",
		From:   metamcp.ServerRunning,
		To:     metamcp.ServerRestarting,
	})
	assert.Empty(t, r.Snapshot().Tools, "restarting server's tools must leave the snapshot")
	assert.Greater(t, r.Version(), before, "enablement change must bump the version")

	b.mu.Lock()
	b.states["fs"] = metamcp.ServerRunning
	b.mu.Unlock()
	r.HandleStateChange(supervisor.StateChange{
		Server: "fs",
		From:   metamcp.ServerRestarting,
		To:     metamcp.ServerRunning,
	})
	require.Eventually(t, func() bool {
		return len(r.Snapshot().Tools) == 1
	}, 3*time.Second, time.Millisecond, "recovered server's tools must return")
}

func TestRegistry_UnhealthyDisablesTools(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addServer("fs", metamcp.ServerRunning, "read_file")

	r := New(b)
	require.NoError(t, r.RefreshAll(context.Background()))

	r.HandleStateChange(supervisor.StateChange{
		Server: "fs",
		From:   metamcp.ServerRunning,
		To:     metamcp.ServerUnhealthy,
	})
	assert.Empty(t, r.Snapshot().Tools, "unhealthy server's tools must leave the snapshot")

	_, err := r.Dispatch(context.Background(), "fs.read_file", nil)
	require.ErrorIs(t, err, metamcp.ErrServerUnavailable)
}

func TestRegistry_RemoveServer(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.addServer("fs", metamcp.ServerRunning, "read_file")
	b.addServer("web", metamcp.ServerRunning, "search")

	r := New(b)
	require.NoError(t, r.RefreshAll(context.Background()))

	r.RemoveServer("fs")
	assert.Equal(t, []string{"web.search"}, r.Snapshot().ToolIDs())

	_, ok := r.Get("fs.read_file")
	assert.False(t, ok)
}
