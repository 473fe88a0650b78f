// Package app provides the entry point for the metamcp command-line
// application.
package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metamcp/metamcp/pkg/config"
	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp/server"
)

const appName = "metamcp"

// version is set at build time via ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:               appName,
	DisableAutoGenTag: true,
	Short:             "Meta MCP router - one MCP server fronting many",
	Long: `metamcp supervises a set of child MCP servers as local processes and
exposes their combined tool catalog upstream as a single MCP server over
stdio. Tools are namespaced as <server>.<tool>, health-checked children
are restarted with exponential backoff, and tool selection is narrowed
per request through a configurable strategy chain (vector similarity,
LLM ranking, documentation retrieval) with a guaranteed fallback.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the metamcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to metamcp configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the router",
		Long: `Start the router: spawn and supervise the configured child MCP
servers, aggregate their tools, and serve MCP on stdin/stdout until the
client disconnects or the process receives SIGINT/SIGTERM.

All logs go to stderr; stdout carries only the MCP protocol.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("%s version: %s", appName, version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the metamcp configuration file for syntax and semantic
errors: strategy names, vector store type, and child server definitions.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}

			logger.Infof("Configuration is valid")
			logger.Infof("  Strategies: %v", cfg.Selection.Strategies())
			logger.Infof("  Vector store: %s", cfg.VectorStore.Type)
			logger.Infof("  Embeddings: %s", cfg.Embeddings.Backend)
			logger.Infof("  Servers: %d configured", len(cfg.Servers))
			for _, s := range cfg.Servers {
				logger.Infof("    %s: %s", s.Name, s.Command)
			}
			return nil
		},
	}
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, appName, version)
	if err != nil {
		return fmt.Errorf("initializing router: %w", err)
	}

	// SIGHUP re-reads the config file and reconciles the child server
	// set without dropping the upstream connection.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			logger.Infof("Reloading configuration from %s", configPath)
			newCfg, loadErr := config.Load(configPath)
			if loadErr != nil {
				logger.Errorf("Configuration reload failed: %v", loadErr)
				continue
			}
			if reloadErr := application.Reload(ctx, newCfg); reloadErr != nil {
				logger.Errorf("Applying reloaded configuration failed: %v", reloadErr)
			}
		}
	}()

	logger.Infof("Starting %s with %d child servers", appName, len(cfg.Servers))
	return application.Run(ctx)
}
