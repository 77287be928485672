package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/ensemble-ai/ensemble/internal/circuit"
)

// ModelNotSupportedError reports a request naming a model absent from
// the catalog.
type ModelNotSupportedError struct {
	Model string
	Known []string
}

func (e *ModelNotSupportedError) Error() string {
	return fmt.Sprintf("model %q is not registered (known: %s)", e.Model, strings.Join(e.Known, ", "))
}

// ContextWindowExceededError reports a request whose estimated token
// count cannot fit the target model's context window. The estimate is
// made before any provider call, so no tokens were spent.
type ContextWindowExceededError struct {
	Model     string
	Estimated int
	Limit     int
}

func (e *ContextWindowExceededError) Error() string {
	return fmt.Sprintf("estimated %d tokens exceed the %d-token context window of %s", e.Estimated, e.Limit, e.Model)
}

// RateLimitedError reports refusal by the local admission bucket, before
// any traffic reached the provider.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for provider %s, retry after %s", e.Provider, e.RetryAfter.Round(time.Millisecond))
}

// CircuitOpenError reports refusal by the model's open breaker.
type CircuitOpenError struct {
	Model string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for model %s", e.Model)
}

// Unwrap ties the typed error to circuit.ErrOpen so existing
// errors.Is(err, circuit.ErrOpen) checks keep working.
func (e *CircuitOpenError) Unwrap() error {
	return circuit.ErrOpen
}

// NoAdapterError reports a catalog entry whose provider has no
// registered adapter. It marks a configuration gap, not a provider
// failure, but the fallback chain still routes around it.
type NoAdapterError struct {
	Provider string
	Model    string
}

func (e *NoAdapterError) Error() string {
	return fmt.Sprintf("no adapter registered for provider %s (model %s)", e.Provider, e.Model)
}
