package providers

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OllamaConfig configures the Ollama adapter.
type OllamaConfig struct {
	// BaseURL is the Ollama server's OpenAI-compatible endpoint.
	// Defaults to the local daemon.
	BaseURL string
}

// NewOllamaProvider creates an adapter for a local Ollama server.
//
// Ollama exposes the OpenAI chat protocol under /v1, so the adapter is
// the OpenAI one pointed at a different endpoint and registered under
// its own name. The daemon ignores the Authorization header; the
// placeholder token only satisfies the client constructor.
func NewOllamaProvider(cfg OllamaConfig) *OpenAIProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	return &OpenAIProvider{
		name:    "ollama",
		apiKey:  "ollama",
		baseURL: baseURL,
		clients: make(map[string]*openai.Client),
	}
}
