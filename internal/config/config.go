// Package config loads the ensemble configuration file. Files are YAML
// or JSON5 (by extension), composable through $include, expanded against
// the process environment, and decoded strictly: unknown keys are
// errors.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ensemble-ai/ensemble/internal/cache"
	"github.com/ensemble-ai/ensemble/internal/circuit"
	"github.com/ensemble-ai/ensemble/internal/ratelimit"
	"github.com/ensemble-ai/ensemble/internal/retry"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// Defaults applied when the file omits a value.
const (
	DefaultListen  = ":8080"
	DefaultDataDir = "./data"

	// DefaultSweepSchedule runs the cache sweep every five minutes.
	DefaultSweepSchedule = "0 */5 * * * *"
	// DefaultAutosaveSchedule snapshots memory every minute.
	DefaultAutosaveSchedule = "0 * * * * *"
)

// Credential backend names.
const (
	CredentialsEnv  = "env"
	CredentialsFile = "file"
)

// Config is the root of the configuration file.
type Config struct {
	// Listen is the gateway bind address.
	Listen string `yaml:"listen"`

	// DataDir roots all persistence: memory snapshots and the encrypted
	// credential store.
	DataDir string `yaml:"data_dir"`

	Cache      CacheConfig                `yaml:"cache"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	Breakers   circuit.Config             `yaml:"breakers"`
	Retry      RetryConfig                `yaml:"retry"`

	// Models replaces the built-in model table when non-empty.
	Models []models.ModelConfig `yaml:"models"`

	// Fallbacks maps a model to the chain tried when it is unavailable.
	Fallbacks map[string][]string `yaml:"fallbacks"`

	Credentials   CredentialsConfig   `yaml:"credentials"`
	Memory        MemoryConfig        `yaml:"memory"`
	Prompts       PromptsConfig       `yaml:"prompts"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	// Enabled gates the cache. Defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`

	// SweepSchedule is the cron spec (optional seconds field) for
	// expired-entry sweeps.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// Runtime converts to the cache package's config.
func (c CacheConfig) Runtime() cache.Config {
	out := cache.DefaultConfig()
	out.Enabled = c.Enabled == nil || *c.Enabled
	if c.TTL > 0 {
		out.TTL = c.TTL
	}
	if c.MaxSize > 0 {
		out.MaxSize = c.MaxSize
	}
	return out
}

// RateLimitConfig is a provider bucket in file-friendly units: refill is
// per minute because provider quotas are quoted in requests per minute.
type RateLimitConfig struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerMin float64 `yaml:"refill_per_min"`
}

// Bucket converts to the ratelimit package's per-second config.
func (r RateLimitConfig) Bucket() ratelimit.Config {
	out := ratelimit.DefaultConfig()
	if r.Capacity > 0 {
		out.Capacity = r.Capacity
	}
	if r.RefillPerMin > 0 {
		out.RefillPerSecond = r.RefillPerMin / 60
	}
	return out
}

// RetryConfig bounds the provider-call retry schedule.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Schedule converts to the retry package's config. Zero fields keep the
// package defaults; the error classifier is wired by the llm service.
func (r RetryConfig) Schedule() retry.Config {
	return retry.Config{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
	}
}

// CredentialsConfig selects the secret backends for provider API keys.
// Resolution order is keys, then the encrypted file when backend is
// "file", then the environment.
type CredentialsConfig struct {
	// Backend is "env" or "file". The file backend still falls through
	// to the environment for providers it does not hold.
	Backend string `yaml:"backend"`

	// File is the encrypted store path. Empty means
	// <data_dir>/credentials.enc.
	File string `yaml:"file"`

	// Keys are inline provider secrets consulted first. Values are
	// env-expanded, so they are usually ${VAR} references rather than
	// literals.
	Keys map[string]string `yaml:"keys"`
}

// MemoryConfig controls snapshot persistence for the memory tiers.
type MemoryConfig struct {
	// AutosaveSchedule is the cron spec (optional seconds field) for
	// periodic snapshot saves.
	AutosaveSchedule string `yaml:"autosave_schedule"`

	// Store is "none", "file" or "sqlite".
	Store string `yaml:"store"`
}

// PromptsConfig points at the optional prompt-template directory.
type PromptsConfig struct {
	// Dir is loaded at startup and watched for changes when set.
	Dir string `yaml:"dir"`
}

// ObservabilityConfig tunes logging and tracing.
type ObservabilityConfig struct {
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format"`

	// OTLPEndpoint enables trace export when set, e.g. "localhost:4317".
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// SamplingRate is the traced fraction, 0 to 1. Zero means 1.
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Default returns the configuration used when no file exists: every
// field at its documented default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// cronParser matches the scheduler's dialect: five or six fields
// (optional leading seconds), @descriptors allowed.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = DefaultListen
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(cfg.Cache.SweepSchedule) == "" {
		cfg.Cache.SweepSchedule = DefaultSweepSchedule
	}
	if strings.TrimSpace(cfg.Memory.AutosaveSchedule) == "" {
		cfg.Memory.AutosaveSchedule = DefaultAutosaveSchedule
	}
	if cfg.Memory.Store == "" {
		cfg.Memory.Store = "file"
	}
	if cfg.Credentials.Backend == "" {
		cfg.Credentials.Backend = CredentialsEnv
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
}

// Validate checks field constraints after defaults are applied. Model
// table semantics beyond the file's shape (fallback viability, provider
// registration) are enforced where the catalog is built.
func (c *Config) Validate() error {
	if c.Cache.TTL < 0 {
		return fmt.Errorf("config: cache.ttl must not be negative")
	}
	if c.Cache.MaxSize < 0 {
		return fmt.Errorf("config: cache.max_size must not be negative")
	}
	if _, err := cronParser.Parse(c.Cache.SweepSchedule); err != nil {
		return fmt.Errorf("config: cache.sweep_schedule: %w", err)
	}

	for provider, rl := range c.RateLimits {
		if rl.Capacity < 0 {
			return fmt.Errorf("config: rate_limits.%s.capacity must not be negative", provider)
		}
		if rl.RefillPerMin < 0 {
			return fmt.Errorf("config: rate_limits.%s.refill_per_min must not be negative", provider)
		}
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.max_attempts must not be negative")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("config: retry delays must not be negative")
	}

	switch c.Credentials.Backend {
	case CredentialsEnv, CredentialsFile:
	default:
		return fmt.Errorf("config: credentials.backend must be %q or %q, got %q",
			CredentialsEnv, CredentialsFile, c.Credentials.Backend)
	}

	switch c.Memory.Store {
	case "none", "file", "sqlite":
	default:
		return fmt.Errorf("config: memory.store must be none, file or sqlite, got %q", c.Memory.Store)
	}
	if _, err := cronParser.Parse(c.Memory.AutosaveSchedule); err != nil {
		return fmt.Errorf("config: memory.autosave_schedule: %w", err)
	}

	seen := make(map[string]bool, len(c.Models))
	for i, mc := range c.Models {
		if strings.TrimSpace(mc.Model) == "" {
			return fmt.Errorf("config: models[%d] has no model name", i)
		}
		if strings.TrimSpace(mc.Provider) == "" {
			return fmt.Errorf("config: models[%d] (%s) has no provider", i, mc.Model)
		}
		if seen[mc.Model] {
			return fmt.Errorf("config: duplicate model %s", mc.Model)
		}
		seen[mc.Model] = true
	}

	// Chains over the built-in table are checked when that table is
	// loaded; here only a configured table can anchor them.
	if len(c.Models) > 0 {
		for model, chain := range c.Fallbacks {
			if !seen[model] {
				return fmt.Errorf("config: fallbacks.%s does not match a configured model", model)
			}
			for _, next := range chain {
				if !seen[next] {
					return fmt.Errorf("config: fallbacks.%s references unknown model %s", model, next)
				}
			}
		}
	}

	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: observability.log_level must be debug, info, warn or error, got %q",
			c.Observability.LogLevel)
	}
	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: observability.log_format must be json or text, got %q",
			c.Observability.LogFormat)
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("config: observability.sampling_rate must be between 0 and 1")
	}

	return nil
}
