package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"personaforge/internal/batcher"
	"personaforge/internal/config"
	"personaforge/internal/gateway"
	"personaforge/internal/logging"
	"personaforge/internal/persona"
	"personaforge/internal/prompts"
	"personaforge/internal/service"
	"personaforge/internal/store"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	dbPath  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "personaforge",
	Short: "Generate coherent synthetic personas and their digital artifacts",
	Long: `personaforge builds a fictional engineer persona from a one-line
description and generates a mutually consistent set of artifacts for it:
source files, configs, docs, logs, tickets and shell history.

Commands:
  generate   Build a persona and generate its artifact set
  export     Write a persona's persisted artifacts to a JSON file
  serve      Run the HTTP and MCP API server`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
}

func newLogger() *logging.Logger {
	if verbose {
		return logging.NewVerboseLogger()
	}
	return logging.NewLogger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	return cfg, nil
}

// openStore selects the Postgres backend when a DSN is configured and falls
// back to the SQLite file otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.PostgresDSN != "" {
		return store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
	}
	return store.OpenSQLite(cfg.Store.Path)
}

func buildGenerator(cfg *config.Config, st store.Store, logger *logging.Logger) (*service.Generator, error) {
	if cfg.Gateway.URL == "" {
		return nil, fmt.Errorf("no model gateway configured: set gateway.url or PERSONAFORGE_GATEWAY_URL")
	}
	gw := gateway.NewHTTPGateway(cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)

	factory := prompts.NewFactory(cfg.Gateway.Model, cfg.Generation.Temperature, cfg.Generation.MaxTokens)
	scheduler := batcher.NewScheduler(batcher.Config{
		Concurrency:   cfg.Batch.Concurrency,
		RatePerSecond: cfg.Batch.RatePerSecond,
		MaxRetries:    cfg.Batch.MaxRetries,
		RetryDeadline: cfg.Batch.RetryDeadline,
	}, logger)
	builder := persona.NewEnrichingBuilder(gw, cfg.Gateway.Model)

	return service.NewGenerator(st, factory, gw, scheduler, builder, logger), nil
}
