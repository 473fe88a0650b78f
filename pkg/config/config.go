// Package config loads and validates the router configuration from a
// YAML file, with environment variable overrides and ${VAR} expansion
// in child server definitions.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Strategy names accepted in the selection chain.
const (
	StrategyVector = "vector"
	StrategyLLM    = "llm"
	StrategyRAG    = "rag"
)

// Config is the full router configuration.
type Config struct {
	// LogLevel is debug, info, warn, or error.
	LogLevel string `mapstructure:"log_level"`

	// MetricsAddr enables the Prometheus endpoint when non-empty,
	// e.g. ":9090".
	MetricsAddr string `mapstructure:"metrics_addr"`

	Selection   Selection      `mapstructure:"selection"`
	Embeddings  Embeddings     `mapstructure:"embeddings"`
	LLM         LLM            `mapstructure:"llm"`
	VectorStore VectorStore    `mapstructure:"vector_store"`
	RAG         RAG            `mapstructure:"rag"`
	Servers     []ChildServer  `mapstructure:"servers"`
}

// Selection configures the strategy chain.
type Selection struct {
	// Primary is the first strategy tried.
	Primary string `mapstructure:"primary"`

	// Fallbacks are tried in order after the primary.
	Fallbacks []string `mapstructure:"fallbacks"`

	MaxTools           int           `mapstructure:"max_tools"`
	RequireNonEmpty    bool          `mapstructure:"require_non_empty"`
	VectorThreshold    float64       `mapstructure:"vector_threshold"`
	AdaptiveThreshold  bool          `mapstructure:"adaptive_threshold"`
	PerStrategyTimeout time.Duration `mapstructure:"per_strategy_timeout"`
	AggregateTimeout   time.Duration `mapstructure:"aggregate_timeout"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
}

// Strategies returns the full chain order: primary then fallbacks.
func (s *Selection) Strategies() []string {
	if s.Primary == "" {
		return s.Fallbacks
	}
	return append([]string{s.Primary}, s.Fallbacks...)
}

// Embeddings configures the embedding backend.
type Embeddings struct {
	Backend   string `mapstructure:"backend"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
	Cache     bool   `mapstructure:"cache"`
}

// LLM configures the completion endpoint for the llm strategy.
type LLM struct {
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// VectorStore selects the vector persistence backend.
type VectorStore struct {
	// Type is "memory" or "qdrant".
	Type string `mapstructure:"type"`

	// URL is the Qdrant endpoint when Type is "qdrant".
	URL string `mapstructure:"url"`

	// CollectionPrefix namespaces collections, e.g. "metamcp" yields
	// the "metamcp_docs" documentation collection.
	CollectionPrefix string `mapstructure:"collection_prefix"`
}

// RAG configures documentation chunking and retrieval.
type RAG struct {
	ChunkSize      int     `mapstructure:"chunk_size"`
	ChunkOverlap   int     `mapstructure:"chunk_overlap"`
	TopK           int     `mapstructure:"top_k"`
	ScoreThreshold float64 `mapstructure:"score_threshold"`
}

// ChildServer declares one supervised child MCP server.
type ChildServer struct {
	Name             string            `mapstructure:"name"`
	Command          string            `mapstructure:"command"`
	Args             []string          `mapstructure:"args"`
	Env              map[string]string `mapstructure:"env"`
	WorkDir          string            `mapstructure:"work_dir"`
	DocsPath         string            `mapstructure:"docs_path"`
	HealthInterval   time.Duration     `mapstructure:"health_interval"`
	HealthTimeout    time.Duration     `mapstructure:"health_timeout"`
	FailureThreshold int               `mapstructure:"failure_threshold"`
	MaxRestarts      int               `mapstructure:"max_restarts"`
	RestartBackoff   time.Duration     `mapstructure:"restart_backoff"`
	ShutdownGrace    time.Duration     `mapstructure:"shutdown_grace"`
	RequestTimeout   time.Duration     `mapstructure:"request_timeout"`
}

// Load reads the config file, applies defaults and environment
// overrides, expands ${VAR} references, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("METAMCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("selection.primary", StrategyVector)
	v.SetDefault("selection.max_tools", 10)
	v.SetDefault("selection.require_non_empty", true)
	v.SetDefault("selection.vector_threshold", 0.4)
	v.SetDefault("selection.adaptive_threshold", true)
	v.SetDefault("selection.per_strategy_timeout", "5s")
	v.SetDefault("selection.aggregate_timeout", "10s")
	v.SetDefault("selection.cache_ttl", "60s")

	v.SetDefault("embeddings.backend", "placeholder")
	v.SetDefault("embeddings.dimension", 384)
	v.SetDefault("embeddings.cache", true)

	v.SetDefault("llm.base_url", "http://localhost:1234/v1")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 1000)

	v.SetDefault("vector_store.type", "memory")
	v.SetDefault("vector_store.url", "http://localhost:6333")
	v.SetDefault("vector_store.collection_prefix", "metamcp")

	v.SetDefault("rag.chunk_size", 500)
	v.SetDefault("rag.chunk_overlap", 50)
	v.SetDefault("rag.top_k", 5)
	v.SetDefault("rag.score_threshold", 0.7)
}

// expandEnv resolves ${VAR} in child server commands, args, and env
// values so secrets stay out of the config file.
func (c *Config) expandEnv() {
	for i := range c.Servers {
		s := &c.Servers[i]
		s.Command = os.ExpandEnv(s.Command)
		s.WorkDir = os.ExpandEnv(s.WorkDir)
		for j, a := range s.Args {
			s.Args[j] = os.ExpandEnv(a)
		}
		for k, val := range s.Env {
			s.Env[k] = os.ExpandEnv(val)
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	for _, name := range c.Selection.Strategies() {
		switch name {
		case StrategyVector, StrategyLLM, StrategyRAG:
		default:
			return fmt.Errorf("unknown selection strategy %q", name)
		}
	}
	if c.Selection.MaxTools < 0 {
		return fmt.Errorf("selection.max_tools must not be negative")
	}

	switch c.VectorStore.Type {
	case "memory", "qdrant":
	default:
		return fmt.Errorf("unknown vector_store.type %q", c.VectorStore.Type)
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server with command %q has no name", s.Command)
		}
		if strings.Contains(s.Name, ".") {
			return fmt.Errorf("server name %q must not contain '.'", s.Name)
		}
		if s.Command == "" {
			return fmt.Errorf("server %q has no command", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// EnvList flattens a child's env map into KEY=VALUE form for exec.
func (s *ChildServer) EnvList() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}
