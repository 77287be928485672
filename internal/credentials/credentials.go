// Package credentials resolves provider API keys through a chain of
// pluggable backends: per-request static overrides, an encrypted file
// store, and process environment variables, consulted in that order.
//
// Secrets stay opaque to the rest of the core: vaults hand them to the
// provider adapters and nothing else. No backend logs a decrypted key.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports that a backend holds no secret for the provider.
// A chain treats it as "try the next backend"; any other error stops
// resolution.
var ErrNotFound = errors.New("credentials: secret not found")

// Vault resolves a provider name to its API key.
type Vault interface {
	Resolve(ctx context.Context, provider string) (string, error)
}

// Chain consults vaults in order and returns the first secret found.
type Chain []Vault

// NewChain builds a resolution chain. Nil vaults are skipped, so callers
// can pass optional backends without guarding.
func NewChain(vaults ...Vault) Chain {
	chain := make(Chain, 0, len(vaults))
	for _, v := range vaults {
		if v != nil {
			chain = append(chain, v)
		}
	}
	return chain
}

// Resolve walks the chain. A backend miss falls through; a backend
// failure surfaces immediately.
func (c Chain) Resolve(ctx context.Context, provider string) (string, error) {
	for _, v := range c {
		secret, err := v.Resolve(ctx, provider)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("credentials: no secret for provider %q: %w", provider, ErrNotFound)
}

// Static is a fixed provider→secret map. It backs configuration-supplied
// keys and tests.
type Static map[string]string

// Resolve returns the mapped secret.
func (s Static) Resolve(_ context.Context, provider string) (string, error) {
	if secret, ok := s[provider]; ok && secret != "" {
		return secret, nil
	}
	return "", ErrNotFound
}

// wellKnownEnv maps provider names to the environment variables their
// SDKs conventionally read.
var wellKnownEnv = map[string][]string{
	"openai":    {"OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// envNames lists the environment variables tried for a provider, the
// conventional names first and <PROVIDER>_API_KEY as the general rule.
func envNames(provider string) []string {
	key := strings.ToLower(strings.TrimSpace(provider))
	if names, ok := wellKnownEnv[key]; ok {
		return names
	}

	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return []string{mapped + "_API_KEY"}
}
