package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ensemble-ai/ensemble/internal/cache"
	"github.com/ensemble-ai/ensemble/internal/circuit"
	"github.com/ensemble-ai/ensemble/internal/config"
	"github.com/ensemble-ai/ensemble/internal/credentials"
	"github.com/ensemble-ai/ensemble/internal/gateway"
	"github.com/ensemble-ai/ensemble/internal/llm"
	"github.com/ensemble-ai/ensemble/internal/memory"
	"github.com/ensemble-ai/ensemble/internal/observability"
	"github.com/ensemble-ai/ensemble/internal/orchestrator"
	"github.com/ensemble-ai/ensemble/internal/prompt"
	"github.com/ensemble-ai/ensemble/internal/providers"
	"github.com/ensemble-ai/ensemble/internal/ratelimit"
	"github.com/ensemble-ai/ensemble/internal/scheduler"
	"github.com/ensemble-ai/ensemble/internal/sessions"
	"github.com/ensemble-ai/ensemble/internal/tools"
	"github.com/ensemble-ai/ensemble/internal/tools/builtin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const (
	// passphraseEnv names the env var holding the credential store passphrase.
	passphraseEnv = "ENSEMBLE_CREDENTIALS_KEY"

	// shutdownTimeout bounds the final memory save and trace flush.
	shutdownTimeout = 30 * time.Second

	// sessionSweepSchedule expires idle sessions and prunes per-user
	// gateway state. Not config-driven; a minute of slack on a 30-minute
	// idle timeout is immaterial.
	sessionSweepSchedule = "@every 1m"
)

// runServe wires the full stack and blocks until the context is
// cancelled or the server fails.
func runServe(ctx context.Context, configPath string, debug bool) error {
	// Load .env before the config so ${VAR} expansion sees its values.
	if err := credentials.LoadDotEnv(); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Observability.LogLevel
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Observability.LogFormat,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting ensemble gateway",
		"version", version,
		"commit", commit,
		"listen", cfg.Listen,
	)

	metrics := observability.NewMetrics()
	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "ensemble",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
	})

	vault, err := buildVault(cfg)
	if err != nil {
		return err
	}
	registry := buildProviders(ctx, vault, logger)

	catalog, err := buildCatalog(cfg)
	if err != nil {
		return fmt.Errorf("invalid model catalog: %w", err)
	}

	mgr, err := buildMemory(cfg)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		logger.Warn("memory restore failed, starting fresh", "error", err)
	}

	toolRegistry := tools.NewRegistry()
	builtin.RegisterAll(toolRegistry, mgr.Meta())
	negotiator := tools.NewNegotiator(toolRegistry, tools.Allowlist{
		tools.DefaultArchetype: {"*"},
	})

	responseCache := cache.New(cfg.Cache.Runtime())

	perProvider := make(map[string]ratelimit.Config, len(cfg.RateLimits))
	for name, rl := range cfg.RateLimits {
		perProvider[name] = rl.Bucket()
	}

	service, err := llm.NewService(llm.ServiceConfig{
		Catalog:   catalog,
		Providers: registry,
		Limiter:   ratelimit.NewRegistry(ratelimit.DefaultConfig(), perProvider),
		Breakers:  circuit.NewRegistry(cfg.Breakers),
		Cache:     responseCache,
		Tools:     negotiator,
		Retry:     cfg.Retry.Schedule(),
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    logger.With("component", "llm"),
	})
	if err != nil {
		return err
	}

	assembler, err := prompt.NewAssembler(prompt.Config{
		Dir:   cfg.Prompts.Dir,
		Watch: cfg.Prompts.Dir != "",
	})
	if err != nil {
		return fmt.Errorf("failed to load prompt templates: %w", err)
	}
	defer assembler.Close()

	orch, err := orchestrator.New(orchestrator.Config{
		LLM:     service,
		Memory:  mgr,
		Prompts: assembler,
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger.With("component", "orchestrator"),
	})
	if err != nil {
		return err
	}

	store := sessions.NewStore(sessions.Config{Metrics: metrics})

	server, err := gateway.New(gateway.Config{
		Listen:       cfg.Listen,
		Orchestrator: orch,
		Sessions:     store,
		Metrics:      metrics,
		Logger:       logger.With("component", "gateway"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := assembler.StartWatching(ctx); err != nil {
		logger.Warn("prompt hot reload disabled", "error", err)
	}

	sched := scheduler.New(logger.With("component", "scheduler"))
	if cfg.Cache.Runtime().Enabled {
		err := sched.Add("cache-sweep", cfg.Cache.SweepSchedule, func(context.Context) {
			if n := responseCache.Sweep(); n > 0 {
				logger.Debug("swept expired cache entries", "count", n)
			}
		})
		if err != nil {
			return err
		}
	}
	if cfg.Memory.Store != "none" {
		err := sched.Add("memory-autosave", cfg.Memory.AutosaveSchedule, func(jobCtx context.Context) {
			if err := mgr.Save(jobCtx); err != nil {
				logger.Warn("memory autosave failed", "error", err)
			}
		})
		if err != nil {
			return err
		}
	}
	err = sched.Add("session-sweep", sessionSweepSchedule, func(context.Context) {
		if n := store.Sweep(); n > 0 {
			logger.Info("expired idle sessions", "count", n)
		}
		server.Prune()
	})
	if err != nil {
		return err
	}
	sched.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})

	logger.Info("ensemble gateway ready",
		"providers", registry.Names(),
		"memory_store", cfg.Memory.Store,
	)

	runErr := group.Wait()

	logger.Info("shutting down")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Save(shutdownCtx); err != nil {
		logger.Warn("final memory save failed", "error", err)
	}
	if err := mgr.Close(); err != nil {
		logger.Warn("memory store close failed", "error", err)
	}
	if err := stopTracer(shutdownCtx); err != nil {
		logger.Warn("trace exporter shutdown failed", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("ensemble gateway stopped")
	return nil
}

// buildVault assembles the credential chain: inline config keys first,
// then the encrypted file store when configured, then the environment.
func buildVault(cfg *config.Config) (credentials.Vault, error) {
	var backends []credentials.Vault
	if len(cfg.Credentials.Keys) > 0 {
		backends = append(backends, credentials.Static(cfg.Credentials.Keys))
	}
	if cfg.Credentials.Backend == config.CredentialsFile {
		vault, err := openFileVault(cfg)
		if err != nil {
			return nil, err
		}
		backends = append(backends, vault)
	}
	backends = append(backends, credentials.Env{})
	return credentials.NewChain(backends...), nil
}

// buildProviders registers every adapter the binary ships. Adapters
// without a resolved key still register: per-request keys or fallback
// routing may cover them, and calls without any key fail with a
// classified authentication error.
func buildProviders(ctx context.Context, vault credentials.Vault, logger *slog.Logger) *providers.Registry {
	resolve := func(name string) string {
		secret, err := vault.Resolve(ctx, name)
		if err != nil {
			if !errors.Is(err, credentials.ErrNotFound) {
				logger.Warn("credential lookup failed", "provider", name, "error", err)
			}
			return ""
		}
		return secret
	}

	registry := providers.NewRegistry()
	registry.Register(providers.NewOpenAIProvider(providers.OpenAIConfig{APIKey: resolve("openai")}))
	registry.Register(providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: resolve("anthropic")}))
	registry.Register(providers.NewGeminiProvider(providers.GeminiConfig{APIKey: resolve("gemini")}))
	registry.Register(providers.NewOllamaProvider(providers.OllamaConfig{}))

	bedrock, err := providers.NewBedrockProvider(providers.BedrockConfig{})
	if err != nil {
		logger.Warn("bedrock adapter unavailable", "error", err)
	} else {
		registry.Register(bedrock)
	}
	return registry
}

// buildCatalog builds the model table from the config rows, or the
// built-in table when the file defines none.
func buildCatalog(cfg *config.Config) (*llm.Catalog, error) {
	rows := cfg.Models
	chains := cfg.Fallbacks
	if len(rows) == 0 {
		rows = llm.DefaultModels()
		if len(chains) == 0 {
			chains = llm.DefaultFallbacks()
		}
	}
	return llm.NewCatalog(rows, chains)
}

// buildMemory opens the configured persistence backend rooted under the
// data directory.
func buildMemory(cfg *config.Config) (*memory.Manager, error) {
	persistence := memory.PersistenceConfig{Backend: cfg.Memory.Store}
	switch cfg.Memory.Store {
	case "file":
		persistence.Path = filepath.Join(cfg.DataDir, "memory")
	case "sqlite":
		persistence.Path = filepath.Join(cfg.DataDir, "memory.db")
	}
	return memory.NewManager(memory.Config{Persistence: persistence})
}

// runCredentialsSet stores a provider key in the encrypted vault. The
// key is prompted for, never taken from argv.
func runCredentialsSet(cmd *cobra.Command, configPath, provider string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	vault, err := openFileVault(cfg)
	if err != nil {
		return err
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return fmt.Errorf("provider name is required")
	}

	reader := bufio.NewReader(cmd.InOrStdin())
	secret := promptPassword(reader, fmt.Sprintf("API key for %s", provider))
	if secret == "" {
		return fmt.Errorf("no key entered")
	}
	if err := vault.Set(provider, secret); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored credential for %s.\n", provider)
	return nil
}

func runCredentialsList(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	vault, err := openFileVault(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	names := vault.Providers()
	if len(names) == 0 {
		fmt.Fprintln(out, "No credentials stored.")
		return nil
	}
	fmt.Fprintln(out, "Stored credentials:")
	for _, name := range names {
		fmt.Fprintf(out, "  - %s\n", name)
	}
	return nil
}

func runCredentialsRemove(cmd *cobra.Command, configPath, provider string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	vault, err := openFileVault(cfg)
	if err != nil {
		return err
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	removed, err := vault.Remove(provider)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no credential stored for %s", provider)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed credential for %s.\n", provider)
	return nil
}

// openFileVault opens the encrypted store at the configured path,
// unlocking it with the passphrase from the environment or an
// interactive prompt.
func openFileVault(cfg *config.Config) (*credentials.FileVault, error) {
	path := cfg.Credentials.File
	if path == "" {
		path = filepath.Join(cfg.DataDir, "credentials.enc")
	}
	passphrase, err := storePassphrase()
	if err != nil {
		return nil, err
	}
	return credentials.OpenFile(path, passphrase)
}

// storePassphrase returns the credential store passphrase. Prompting
// happens only on a terminal; headless runs must set the env var.
func storePassphrase() (string, error) {
	if key := os.Getenv(passphraseEnv); key != "" {
		return key, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("set %s to unlock the credential store", passphraseEnv)
	}
	reader := bufio.NewReader(os.Stdin)
	key := promptPassword(reader, "Credential store passphrase")
	if key == "" {
		return "", fmt.Errorf("empty passphrase")
	}
	return key, nil
}

// promptPassword prompts for a secret without showing input.
func promptPassword(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// runConfigValidate loads and validates a config file, including the
// model catalog the file would produce.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if configPath == "" {
		return fmt.Errorf("no configuration file found (looked for %s)", defaultConfigFile)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := buildCatalog(cfg); err != nil {
		return fmt.Errorf("model catalog: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration valid\n", configPath)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}
