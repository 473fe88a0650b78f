// Package selector decides which tools to surface for a given context.
// Strategies are tried in configured order; each may fail or decline,
// and the chain falls through until the terminal path, which always
// produces a result. Selection can degrade but never hard-fails.
package selector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/registry"
	"github.com/metamcp/metamcp/pkg/telemetry"
)

// Chain defaults.
const (
	DefaultMaxTools           = 10
	DefaultMinConfidence      = 0.3
	DefaultPerStrategyTimeout = 5 * time.Second
	DefaultAggregateTimeout   = 10 * time.Second
	DefaultCacheTTL           = 60 * time.Second
)

// StrategyUsedTerminal marks results produced by the terminal path.
const StrategyUsedTerminal = "terminal"

// StrategyResult is a single strategy's proposal.
type StrategyResult struct {
	// ToolIDs is the proposed selection, best first.
	ToolIDs []string

	// Confidence is the strategy's self-assessment in [0, 1].
	Confidence float64
}

// Strategy proposes tools for a selection context. A strategy that
// cannot produce a usable result returns an error (conventionally
// wrapping metamcp.ErrStrategyFailed) and the chain moves on.
type Strategy interface {
	Name() string
	Select(ctx context.Context, sctx *metamcp.SelectionContext, snap *registry.Snapshot) (*StrategyResult, error)
}

// ChainConfig holds chain-level settings. The zero value is not
// usable; NewChain applies defaults.
type ChainConfig struct {
	// MaxTools caps the selection size. Zero means select nothing.
	MaxTools int

	// RequireNonEmpty makes an empty strategy result fall through to
	// the next strategy instead of being accepted.
	RequireNonEmpty bool

	// MinConfidence is the floor for accepting an empty result when
	// RequireNonEmpty is false.
	MinConfidence float64

	// PerStrategyTimeout bounds each strategy attempt.
	PerStrategyTimeout time.Duration

	// AggregateTimeout bounds the whole chain; when it expires the
	// terminal path runs immediately.
	AggregateTimeout time.Duration

	// CacheTTL bounds selection cache entries. Negative disables the
	// cache.
	CacheTTL time.Duration
}

func (c *ChainConfig) applyDefaults() {
	if c.MinConfidence == 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if c.PerStrategyTimeout == 0 {
		c.PerStrategyTimeout = DefaultPerStrategyTimeout
	}
	if c.AggregateTimeout == 0 {
		c.AggregateTimeout = DefaultAggregateTimeout
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
}

// Chain runs strategies in order with a guaranteed-success terminal
// path.
type Chain struct {
	config     ChainConfig
	strategies []Strategy
	cache      *selectionCache
}

// NewChain creates a chain over the given strategies, tried in order.
func NewChain(config ChainConfig, strategies ...Strategy) *Chain {
	config.applyDefaults()
	c := &Chain{config: config, strategies: strategies}
	if config.CacheTTL > 0 {
		c.cache = newSelectionCache(config.CacheTTL)
	}
	return c
}

// Select produces a tool selection for the context against the given
// snapshot. It never returns an error from strategy failures; only a
// canceled caller context aborts it.
func (c *Chain) Select(ctx context.Context, sctx *metamcp.SelectionContext, snap *registry.Snapshot) (*metamcp.SelectionResult, error) {
	start := time.Now()
	defer func() {
		telemetry.SelectionDuration.Observe(time.Since(start).Seconds())
	}()

	if c.config.MaxTools <= 0 {
		return &metamcp.SelectionResult{
			StrategyUsed:    "none",
			SnapshotVersion: snap.Version,
			Latency:         time.Since(start),
		}, nil
	}

	key := cacheKey(sctx.ContextText(), snap.Version)
	if c.cache != nil {
		if cached, ok := c.cache.get(key); ok {
			logger.Debugw("selection cache hit", "version", snap.Version)
			telemetry.SelectionsTotal.WithLabelValues(cached.StrategyUsed, "cached").Inc()
			return cached, nil
		}
	}

	chainCtx, cancel := context.WithTimeout(ctx, c.config.AggregateTimeout)
	defer cancel()

	for _, strategy := range c.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if chainCtx.Err() != nil {
			// Aggregate budget spent: go straight to the terminal path.
			logger.Warnw("selection deadline reached, using terminal path")
			break
		}

		res, err := c.tryStrategy(chainCtx, strategy, sctx, snap)
		if err != nil {
			telemetry.SelectionsTotal.WithLabelValues(strategy.Name(), "error").Inc()
			logger.Warnw("selection strategy failed",
				"strategy", strategy.Name(), "error", err)
			continue
		}
		if len(res.ToolIDs) == 0 {
			if c.config.RequireNonEmpty || res.Confidence <= c.config.MinConfidence {
				telemetry.SelectionsTotal.WithLabelValues(strategy.Name(), "declined").Inc()
				logger.Debugw("strategy returned no tools, falling through",
					"strategy", strategy.Name(), "confidence", res.Confidence)
				continue
			}
		}

		result := &metamcp.SelectionResult{
			ToolIDs:         truncate(res.ToolIDs, c.config.MaxTools),
			StrategyUsed:    strategy.Name(),
			SnapshotVersion: snap.Version,
			Latency:         time.Since(start),
		}
		telemetry.SelectionsTotal.WithLabelValues(strategy.Name(), "ok").Inc()
		c.store(key, result)
		return result, nil
	}

	result := c.terminal(snap)
	result.Latency = time.Since(start)
	telemetry.SelectionsTotal.WithLabelValues(StrategyUsedTerminal, "ok").Inc()
	c.store(key, result)
	return result, nil
}

func (c *Chain) tryStrategy(ctx context.Context, strategy Strategy, sctx *metamcp.SelectionContext, snap *registry.Snapshot) (*StrategyResult, error) {
	sctxTimeout, cancel := context.WithTimeout(ctx, c.config.PerStrategyTimeout)
	defer cancel()

	res, err := strategy.Select(sctxTimeout, sctx, snap)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: %s returned nil result", metamcp.ErrStrategyFailed, strategy.Name())
	}
	return res, nil
}

// terminal is the guaranteed-success path: every enabled tool in
// stable snapshot order, capped at MaxTools. It performs no network
// calls and is marked degraded when real strategies existed and all
// fell through.
func (c *Chain) terminal(snap *registry.Snapshot) *metamcp.SelectionResult {
	return &metamcp.SelectionResult{
		ToolIDs:         truncate(snap.ToolIDs(), c.config.MaxTools),
		StrategyUsed:    StrategyUsedTerminal,
		Degraded:        len(c.strategies) > 0,
		SnapshotVersion: snap.Version,
	}
}

func (c *Chain) store(key string, result *metamcp.SelectionResult) {
	if c.cache != nil {
		c.cache.put(key, result)
	}
}

func cacheKey(contextText string, version uint64) string {
	sum := sha256.Sum256([]byte(contextText))
	return fmt.Sprintf("%s:%d", hex.EncodeToString(sum[:]), version)
}

func truncate(ids []string, max int) []string {
	if len(ids) > max {
		return ids[:max]
	}
	return ids
}
