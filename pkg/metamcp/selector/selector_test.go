package selector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/registry"
)

type fakeStrategy struct {
	name  string
	res   *StrategyResult
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Select(ctx context.Context, _ *metamcp.SelectionContext, _ *registry.Snapshot) (*StrategyResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.res, f.err
}

func testSnapshot(version uint64, ids ...string) *registry.Snapshot {
	snap := &registry.Snapshot{Version: version}
	for _, id := range ids {
		server, name, _ := metamcp.SplitToolID(id)
		snap.Tools = append(snap.Tools, metamcp.Tool{
			ID:         id,
			ServerName: server,
			Name:       name,
		})
	}
	return snap
}

func testContext(query string) *metamcp.SelectionContext {
	return &metamcp.SelectionContext{Query: query, Timestamp: time.Now()}
}

func TestChain_PrimarySucceeds(t *testing.T) {
	t.Parallel()

	primary := &fakeStrategy{name: "vector", res: &StrategyResult{ToolIDs: []string{"fs.read"}, Confidence: 0.9}}
	fallback := &fakeStrategy{name: "llm", res: &StrategyResult{ToolIDs: []string{"web.search"}}}
	c := NewChain(ChainConfig{MaxTools: 10, RequireNonEmpty: true, CacheTTL: -1}, primary, fallback)

	res, err := c.Select(context.Background(), testContext("read my file"), testSnapshot(1, "fs.read", "web.search"))
	require.NoError(t, err)
	assert.Equal(t, []string{"fs.read"}, res.ToolIDs)
	assert.Equal(t, "vector", res.StrategyUsed)
	assert.False(t, res.Degraded)
	assert.Equal(t, uint64(1), res.SnapshotVersion)
	assert.Zero(t, fallback.calls.Load(), "fallback must not run when primary succeeds")
}

func TestChain_FallbackOnError(t *testing.T) {
	t.Parallel()

	primary := &fakeStrategy{name: "vector", err: errors.New("embedding backend down")}
	fallback := &fakeStrategy{name: "llm", res: &StrategyResult{ToolIDs: []string{"web.search"}, Confidence: 0.8}}
	c := NewChain(ChainConfig{MaxTools: 10, RequireNonEmpty: true, CacheTTL: -1}, primary, fallback)

	res, err := c.Select(context.Background(), testContext("search"), testSnapshot(1, "web.search"))
	require.NoError(t, err)
	assert.Equal(t, "llm", res.StrategyUsed)
	assert.Equal(t, []string{"web.search"}, res.ToolIDs)
	assert.False(t, res.Degraded, "a successful fallback is not degraded")
}

func TestChain_AllFailReachesTerminal(t *testing.T) {
	t.Parallel()

	s1 := &fakeStrategy{name: "vector", err: errors.New("down")}
	s2 := &fakeStrategy{name: "llm", err: errors.New("down too")}
	c := NewChain(ChainConfig{MaxTools: 2, RequireNonEmpty: true, CacheTTL: -1}, s1, s2)

	snap := testSnapshot(7, "a.one", "b.two", "c.three")

	res, err := c.Select(context.Background(), testContext("anything"), snap)
	require.NoError(t, err)
	assert.Equal(t, StrategyUsedTerminal, res.StrategyUsed)
	assert.True(t, res.Degraded)
	// Stable snapshot order, capped at MaxTools. No network calls.
	assert.Equal(t, []string{"a.one", "b.two"}, res.ToolIDs)
	assert.Equal(t, uint64(7), res.SnapshotVersion)
}

func TestChain_EmptyResultFallsThrough(t *testing.T) {
	t.Parallel()

	empty := &fakeStrategy{name: "vector", res: &StrategyResult{Confidence: 0.9}}
	next := &fakeStrategy{name: "llm", res: &StrategyResult{ToolIDs: []string{"a.one"}}}
	c := NewChain(ChainConfig{MaxTools: 10, RequireNonEmpty: true, CacheTTL: -1}, empty, next)

	res, err := c.Select(context.Background(), testContext("q"), testSnapshot(1, "a.one"))
	require.NoError(t, err)
	assert.Equal(t, "llm", res.StrategyUsed)
}

func TestChain_EmptyResultAcceptedWhenAllowed(t *testing.T) {
	t.Parallel()

	empty := &fakeStrategy{name: "vector", res: &StrategyResult{Confidence: 0.9}}
	next := &fakeStrategy{name: "llm", res: &StrategyResult{ToolIDs: []string{"a.one"}}}
	c := NewChain(ChainConfig{MaxTools: 10, RequireNonEmpty: false, CacheTTL: -1}, empty, next)

	res, err := c.Select(context.Background(), testContext("q"), testSnapshot(1, "a.one"))
	require.NoError(t, err)
	assert.Equal(t, "vector", res.StrategyUsed)
	assert.Empty(t, res.ToolIDs)
	assert.Zero(t, next.calls.Load())
}

func TestChain_MaxToolsZero(t *testing.T) {
	t.Parallel()

	strategy := &fakeStrategy{name: "vector", res: &StrategyResult{ToolIDs: []string{"a.one"}}}
	c := NewChain(ChainConfig{MaxTools: 0, CacheTTL: -1}, strategy)

	res, err := c.Select(context.Background(), testContext("q"), testSnapshot(1, "a.one"))
	require.NoError(t, err)
	assert.Empty(t, res.ToolIDs)
	assert.False(t, res.Degraded)
	assert.Zero(t, strategy.calls.Load(), "no strategy should run when selection is disabled")
}

func TestChain_TruncatesToMaxTools(t *testing.T) {
	t.Parallel()

	strategy := &fakeStrategy{name: "vector", res: &StrategyResult{
		ToolIDs: []string{"a.one", "b.two", "c.three", "d.four"},
	}}
	c := NewChain(ChainConfig{MaxTools: 2, RequireNonEmpty: true, CacheTTL: -1}, strategy)

	res, err := c.Select(context.Background(), testContext("q"), testSnapshot(1, "a.one", "b.two", "c.three", "d.four"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.one", "b.two"}, res.ToolIDs)
}

func TestChain_CachesByContextAndVersion(t *testing.T) {
	t.Parallel()

	strategy := &fakeStrategy{name: "vector", res: &StrategyResult{ToolIDs: []string{"a.one"}}}
	c := NewChain(ChainConfig{MaxTools: 10, RequireNonEmpty: true, CacheTTL: time.Minute}, strategy)

	snap := testSnapshot(1, "a.one")
	sctx := testContext("same query")

	_, err := c.Select(context.Background(), sctx, snap)
	require.NoError(t, err)
	_, err = c.Select(context.Background(), sctx, snap)
	require.NoError(t, err)
	assert.Equal(t, int32(1), strategy.calls.Load(), "second call must hit the cache")

	// A new snapshot version misses the cache.
	_, err = c.Select(context.Background(), sctx, testSnapshot(2, "a.one"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), strategy.calls.Load())

	// A different context misses the cache.
	_, err = c.Select(context.Background(), testContext("other query"), snap)
	require.NoError(t, err)
	assert.Equal(t, int32(3), strategy.calls.Load())
}

func TestChain_AggregateDeadlineJumpsToTerminal(t *testing.T) {
	t.Parallel()

	slow := &fakeStrategy{name: "vector", delay: time.Second, res: &StrategyResult{ToolIDs: []string{"a.one"}}}
	never := &fakeStrategy{name: "llm", res: &StrategyResult{ToolIDs: []string{"a.one"}}}
	c := NewChain(ChainConfig{
		MaxTools:         10,
		RequireNonEmpty:  true,
		AggregateTimeout: 20 * time.Millisecond,
		CacheTTL:         -1,
	}, slow, never)

	res, err := c.Select(context.Background(), testContext("q"), testSnapshot(1, "a.one"))
	require.NoError(t, err)
	assert.Equal(t, StrategyUsedTerminal, res.StrategyUsed)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"a.one"}, res.ToolIDs)
	assert.Zero(t, never.calls.Load(), "deadline must skip remaining strategies")
}

func TestChain_CallerCancellation(t *testing.T) {
	t.Parallel()

	strategy := &fakeStrategy{name: "vector", res: &StrategyResult{ToolIDs: []string{"a.one"}}}
	c := NewChain(ChainConfig{MaxTools: 10, CacheTTL: -1}, strategy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Select(ctx, testContext("q"), testSnapshot(1, "a.one"))
	require.Error(t, err)
}

func TestRankScored_TieBreaks(t *testing.T) {
	t.Parallel()

	scored := []scoredTool{
		{tool: metamcp.Tool{ID: "b.same", UsageCount: 1}, score: 0.5},
		{tool: metamcp.Tool{ID: "a.same", UsageCount: 1}, score: 0.5},
		{tool: metamcp.Tool{ID: "c.popular", UsageCount: 9}, score: 0.5},
		{tool: metamcp.Tool{ID: "d.best"}, score: 0.9},
	}
	rankScored(scored)

	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.tool.ID
	}
	// Similarity first, then usage count, then ID.
	assert.Equal(t, []string{"d.best", "c.popular", "a.same", "b.same"}, ids)
}

func TestAboveThreshold(t *testing.T) {
	t.Parallel()

	scored := []scoredTool{
		{tool: metamcp.Tool{ID: "a"}, score: 0.9},
		{tool: metamcp.Tool{ID: "b"}, score: 0.4},
		{tool: metamcp.Tool{ID: "c"}, score: 0.39},
	}
	kept := aboveThreshold(scored, 0.4)
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].tool.ID)
	assert.Equal(t, "b", kept[1].tool.ID)
}
