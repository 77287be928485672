package models

// ModelConfig maps a logical model name to its provider binding. The
// registry of these is process-wide and read-only after initialization.
type ModelConfig struct {
	// Model is the logical name agents bind to.
	Model string `json:"model" yaml:"model"`

	// Provider names the adapter that serves this model.
	Provider string `json:"provider" yaml:"provider"`

	// APIName is the provider's wire identifier for the model.
	APIName string `json:"api_name" yaml:"api_name"`

	// ContextWindow is the model's context limit in tokens.
	ContextWindow int `json:"context_window" yaml:"context_window"`
}
