package llm

import (
	"fmt"
	"sort"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// Catalog is the process-wide model table: logical model name to
// provider binding, plus the per-model fallback chains. It is built
// once at startup and read-only afterward, so lookups take no lock.
type Catalog struct {
	entries   map[string]models.ModelConfig
	fallbacks map[string][]string
}

// NewCatalog builds a catalog from model rows and fallback chains.
//
// Validation is strict because the table is trusted everywhere
// downstream: duplicate or unnamed models are rejected, and every
// fallback chain may reference only registered models other than its
// own key. Rows with an empty APIName default it to the logical name.
func NewCatalog(configs []models.ModelConfig, fallbacks map[string][]string) (*Catalog, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("catalog: no models configured")
	}

	entries := make(map[string]models.ModelConfig, len(configs))
	for _, mc := range configs {
		if mc.Model == "" {
			return nil, fmt.Errorf("catalog: model row with empty name")
		}
		if mc.Provider == "" {
			return nil, fmt.Errorf("catalog: model %s names no provider", mc.Model)
		}
		if _, dup := entries[mc.Model]; dup {
			return nil, fmt.Errorf("catalog: duplicate model %s", mc.Model)
		}
		if mc.APIName == "" {
			mc.APIName = mc.Model
		}
		entries[mc.Model] = mc
	}

	chains := make(map[string][]string, len(fallbacks))
	for model, chain := range fallbacks {
		if _, ok := entries[model]; !ok {
			return nil, fmt.Errorf("catalog: fallback chain keyed by unregistered model %s", model)
		}
		for _, next := range chain {
			if next == model {
				return nil, fmt.Errorf("catalog: fallback chain for %s references itself", model)
			}
			if _, ok := entries[next]; !ok {
				return nil, fmt.Errorf("catalog: fallback chain for %s references unregistered model %s", model, next)
			}
		}
		chains[model] = append([]string(nil), chain...)
	}

	return &Catalog{entries: entries, fallbacks: chains}, nil
}

// DefaultCatalog returns the built-in table. Deployments that configure
// their own model rows replace it wholesale rather than merging.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog(DefaultModels(), DefaultFallbacks())
	if err != nil {
		// The builtin table is static; failing to build it is a
		// programming error.
		panic(err)
	}
	return catalog
}

// DefaultModels returns the built-in model rows.
func DefaultModels() []models.ModelConfig {
	return []models.ModelConfig{
		{Model: "gpt-4o", Provider: "openai", APIName: "gpt-4o", ContextWindow: 128000},
		{Model: "gpt-4o-mini", Provider: "openai", APIName: "gpt-4o-mini", ContextWindow: 128000},
		{Model: "claude-sonnet-4", Provider: "anthropic", APIName: "claude-sonnet-4-20250514", ContextWindow: 200000},
		{Model: "claude-haiku-3.5", Provider: "anthropic", APIName: "claude-3-5-haiku-20241022", ContextWindow: 200000},
		{Model: "gemini-2.0-flash", Provider: "gemini", APIName: "gemini-2.0-flash", ContextWindow: 1048576},
		{Model: "nova-pro", Provider: "bedrock", APIName: "amazon.nova-pro-v1:0", ContextWindow: 300000},
	}
}

// DefaultFallbacks returns the built-in fallback chains. Chains cross
// providers deliberately: an outage rarely spans vendors.
func DefaultFallbacks() map[string][]string {
	return map[string][]string{
		"gpt-4o":           {"claude-sonnet-4", "gemini-2.0-flash"},
		"claude-sonnet-4":  {"gpt-4o", "gemini-2.0-flash"},
		"gemini-2.0-flash": {"gpt-4o-mini", "claude-haiku-3.5"},
	}
}

// Resolve returns the binding for a logical model name.
func (c *Catalog) Resolve(model string) (models.ModelConfig, error) {
	mc, ok := c.entries[model]
	if !ok {
		return models.ModelConfig{}, &ModelNotSupportedError{Model: model, Known: c.Models()}
	}
	return mc, nil
}

// Fallbacks returns a copy of the configured chain for model, nil when
// none is configured.
func (c *Catalog) Fallbacks(model string) []string {
	chain, ok := c.fallbacks[model]
	if !ok {
		return nil
	}
	return append([]string(nil), chain...)
}

// Models returns the registered logical names in sorted order.
func (c *Catalog) Models() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
