// Package main is the ensemble CLI: a multi-provider LLM orchestration
// gateway.
//
// Ensemble fronts OpenAI, Anthropic, Gemini, Bedrock, and local Ollama
// behind one WebSocket endpoint. Requests pass through a resilience
// ladder of rate limiting, circuit breaking, bounded retry, and model
// fallback; orchestration strategies coordinate multi-model turns; and
// a layered memory system carries what the models learn across
// sessions.
//
// # Usage
//
// Run the gateway:
//
//	ensemble serve --config ensemble.yaml
//
// Manage the encrypted credential store:
//
//	ensemble credentials set openai
//	ensemble credentials list
//
// Inspect configuration:
//
//	ensemble config validate
//	ensemble config schema
//
// # Environment
//
// The process reads:
//
//   - ENSEMBLE_CONFIG: configuration file path when --config is absent
//   - ENSEMBLE_CREDENTIALS_KEY: passphrase unlocking the credential store
//   - OPENAI_API_KEY: key for the OpenAI adapter
//   - ANTHROPIC_API_KEY: key for the Anthropic adapter
//   - GEMINI_API_KEY: key for the Gemini adapter
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ensemble-ai/ensemble/internal/config"
	"github.com/spf13/cobra"
)

// defaultConfigFile is the config looked for when no flag or env var names one.
const defaultConfigFile = "ensemble.yaml"

// Build metadata, stamped at release time:
//
//	go build -ldflags "-X main.version=v0.3.0 -X main.commit=$(git rev-parse --short HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Bootstrap logger; serve swaps in the handler the config asks for.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the root command and its subcommands. Kept
// separate from main so tests can drive Execute directly.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ensemble",
		Short: "Ensemble - Multi-provider LLM orchestration gateway",
		Long: `Ensemble routes conversations across multiple LLM providers with
resilience, shared memory, and orchestration strategies.

Supported providers: OpenAI (GPT), Anthropic (Claude), Google (Gemini),
AWS Bedrock, Ollama (local)
Strategies: single, fallback, parallel, sequential, debate

Documentation: https://github.com/ensemble-ai/ensemble`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildCredentialsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return root
}

// resolveConfigPath picks the configuration file: an explicit flag
// value wins, then ENSEMBLE_CONFIG, then ensemble.yaml when present in
// the working directory. Empty means no file, and defaults apply.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("ENSEMBLE_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// loadConfig loads the named file, or returns the built-in defaults
// when resolveConfigPath found nothing.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
