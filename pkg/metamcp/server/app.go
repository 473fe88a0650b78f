package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/metamcp/metamcp/pkg/config"
	"github.com/metamcp/metamcp/pkg/embeddings"
	"github.com/metamcp/metamcp/pkg/llm"
	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/registry"
	"github.com/metamcp/metamcp/pkg/metamcp/selector"
	"github.com/metamcp/metamcp/pkg/metamcp/supervisor"
	"github.com/metamcp/metamcp/pkg/rag"
	"github.com/metamcp/metamcp/pkg/telemetry"
	"github.com/metamcp/metamcp/pkg/vectorstore"
)

const toolSyncInterval = 2 * time.Second

// App wires every subsystem from a loaded configuration and runs the
// router end to end.
type App struct {
	cfg      *config.Config
	name     string
	version  string
	embedder *embeddings.Manager
	store    vectorstore.Store
	pipeline *rag.Pipeline
	sup      *supervisor.Supervisor
	registry *registry.Registry
	chain    *selector.Chain
	srv      *Server
}

// NewApp assembles the router. Nothing is started yet; Run does that.
func NewApp(ctx context.Context, cfg *config.Config, name, version string) (*App, error) {
	embedder, err := embeddings.NewManager(&embeddings.Config{
		BackendType: cfg.Embeddings.Backend,
		BaseURL:     cfg.Embeddings.BaseURL,
		Model:       cfg.Embeddings.Model,
		Dimension:   cfg.Embeddings.Dimension,
		EnableCache: cfg.Embeddings.Cache,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding backend: %w", err)
	}

	var store vectorstore.Store
	switch cfg.VectorStore.Type {
	case "qdrant":
		store = vectorstore.NewQdrantStore(cfg.VectorStore.URL)
	default:
		store = vectorstore.NewMemoryStore()
	}

	pipeline, err := rag.NewPipeline(ctx, rag.Config{
		Collection:     cfg.VectorStore.CollectionPrefix + "_docs",
		ChunkSize:      cfg.RAG.ChunkSize,
		ChunkOverlap:   cfg.RAG.ChunkOverlap,
		TopK:           cfg.RAG.TopK,
		ScoreThreshold: cfg.RAG.ScoreThreshold,
	}, embedder, store)
	if err != nil {
		_ = embedder.Close()
		return nil, fmt.Errorf("creating rag pipeline: %w", err)
	}

	sup := supervisor.New(supervisor.Config{
		Servers:       supervisorServers(cfg.Servers),
		ClientName:    name,
		ClientVersion: version,
	})
	reg := registry.New(registry.SupervisorBackend{S: sup})
	sup.OnStateChange(reg.HandleStateChange)
	sup.OnStateChange(recordStateMetrics)
	// Servers dropped by a config reload take their tools with them.
	sup.OnRemove(reg.RemoveServer)

	chain := selector.NewChain(selector.ChainConfig{
		MaxTools:           cfg.Selection.MaxTools,
		RequireNonEmpty:    cfg.Selection.RequireNonEmpty,
		PerStrategyTimeout: cfg.Selection.PerStrategyTimeout,
		AggregateTimeout:   cfg.Selection.AggregateTimeout,
		CacheTTL:           cfg.Selection.CacheTTL,
	}, buildStrategies(cfg, embedder, reg, pipeline)...)

	app := &App{
		cfg:      cfg,
		name:     name,
		version:  version,
		embedder: embedder,
		store:    store,
		pipeline: pipeline,
		sup:      sup,
		registry: reg,
		chain:    chain,
	}
	app.srv = New(name, version, reg, chain, sup)
	return app, nil
}

// Run starts the children, discovers tools, indexes documentation, and
// serves MCP on stdio until the context is cancelled or stdin closes.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.MetricsAddr != "" {
		go telemetry.ServeMetrics(a.cfg.MetricsAddr)
	}

	if err := a.sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	// Discovery tolerates slow or crashing children; whatever is up
	// by now gets registered, the rest arrives via state changes.
	discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.registry.RefreshAll(discoverCtx); err != nil {
		logger.Warnf("initial tool discovery incomplete: %v", err)
	}
	cancel()

	a.indexDocs(ctx, a.cfg.Servers)
	a.srv.SyncTools()
	a.srv.StartSyncLoop(ctx, toolSyncInterval)

	serveErr := a.srv.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("shutdown incomplete", "error", err)
	}

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}

// Reload applies a changed configuration: the supervisor reconciles
// the child server set and documentation for the new set is
// re-indexed. Selection, embedding, and store settings need a restart.
func (a *App) Reload(ctx context.Context, cfg *config.Config) error {
	if err := a.sup.ReloadConfig(ctx, supervisor.Config{
		Servers:       supervisorServers(cfg.Servers),
		ClientName:    a.name,
		ClientVersion: a.version,
	}); err != nil {
		return fmt.Errorf("reloading server set: %w", err)
	}
	a.indexDocs(ctx, cfg.Servers)
	return nil
}

// Shutdown stops all children and releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.sup.Shutdown(ctx)
	_ = a.embedder.Close()
	_ = a.store.Close()
	return err
}

// indexDocs feeds each child's documentation file into the retrieval
// pipeline, keyed by server name so retrieval hits expand to all of the
// server's tools.
func (a *App) indexDocs(ctx context.Context, servers []config.ChildServer) {
	for _, s := range servers {
		if s.DocsPath == "" {
			continue
		}
		data, err := os.ReadFile(s.DocsPath)
		if err != nil {
			logger.Warnw("skipping unreadable docs file",
				"server", s.Name, "path", s.DocsPath, "error", err)
			continue
		}
		n, err := a.pipeline.IndexDocument(ctx, s.Name, string(data))
		if err != nil {
			logger.Warnw("indexing docs failed", "server", s.Name, "error", err)
			continue
		}
		logger.Infow("indexed docs", "server", s.Name, "chunks", n)
	}
}

func buildStrategies(cfg *config.Config, embedder *embeddings.Manager, reg *registry.Registry, pipeline *rag.Pipeline) []selector.Strategy {
	var llmClient *llm.Client
	getLLM := func() *llm.Client {
		if llmClient == nil {
			llmClient = llm.NewClient(llm.Config{
				BaseURL:     cfg.LLM.BaseURL,
				Model:       cfg.LLM.Model,
				Temperature: cfg.LLM.Temperature,
				MaxTokens:   cfg.LLM.MaxTokens,
			})
		}
		return llmClient
	}

	strategies := make([]selector.Strategy, 0, 3)
	for _, name := range cfg.Selection.Strategies() {
		switch name {
		case config.StrategyVector:
			strategies = append(strategies, selector.NewVectorStrategy(
				embedder, reg,
				cfg.Selection.VectorThreshold,
				cfg.Selection.AdaptiveThreshold,
				cfg.Selection.MaxTools,
			))
		case config.StrategyLLM:
			strategies = append(strategies, selector.NewLLMStrategy(getLLM(), cfg.Selection.MaxTools))
		case config.StrategyRAG:
			strategies = append(strategies, selector.NewRAGStrategy(pipeline, getLLM(), cfg.Selection.MaxTools))
		}
	}
	return strategies
}

func supervisorServers(servers []config.ChildServer) []supervisor.ServerConfig {
	out := make([]supervisor.ServerConfig, 0, len(servers))
	for _, s := range servers {
		out = append(out, supervisor.ServerConfig{
			Name:             s.Name,
			Command:          s.Command,
			Args:             s.Args,
			Env:              s.EnvList(),
			WorkDir:          s.WorkDir,
			DocsPath:         s.DocsPath,
			HealthInterval:   s.HealthInterval,
			HealthTimeout:    s.HealthTimeout,
			FailureThreshold: s.FailureThreshold,
			MaxRestarts:      s.MaxRestarts,
			RestartBackoff:   s.RestartBackoff,
			ShutdownGrace:    s.ShutdownGrace,
			RequestTimeout:   s.RequestTimeout,
		})
	}
	return out
}

// recordStateMetrics mirrors supervisor transitions into Prometheus.
func recordStateMetrics(change supervisor.StateChange) {
	telemetry.ServerState.WithLabelValues(change.Server, string(change.From)).Set(0)
	telemetry.ServerState.WithLabelValues(change.Server, string(change.To)).Set(1)
	if change.To == metamcp.ServerRestarting {
		telemetry.ServerRestartsTotal.WithLabelValues(change.Server).Inc()
	}
}
