// Package llm implements the single call path every agent request
// takes to reach a provider.
//
// One Complete call climbs a fixed ladder: resolve the logical model
// through the catalog, estimate tokens against the context window,
// pass the provider's admission bucket, consult the response cache,
// then dispatch to the adapter under the model's circuit breaker with
// bounded retry. Tool calls in the response are executed through the
// negotiator and the provider is re-invoked exactly once with the
// results. When a model is unavailable (open breaker, terminal
// failure, exhausted retries) the configured fallback chain is walked
// in order until a viable model serves the request or the chain runs
// out.
//
// The package owns the resilience policy so that orchestration
// strategies stay policy-free: an agent call is one Complete, whatever
// happens underneath.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensemble-ai/ensemble/internal/cache"
	"github.com/ensemble-ai/ensemble/internal/circuit"
	"github.com/ensemble-ai/ensemble/internal/observability"
	"github.com/ensemble-ai/ensemble/internal/providers"
	"github.com/ensemble-ai/ensemble/internal/ratelimit"
	"github.com/ensemble-ai/ensemble/internal/retry"
	"github.com/ensemble-ai/ensemble/internal/tools"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// DefaultMaxFallbackDepth bounds how many fallback hops one request
// may take.
const DefaultMaxFallbackDepth = 3

// ServiceConfig wires the service's collaborators. Catalog and
// Providers are required; every other field has a working default.
type ServiceConfig struct {
	Catalog   *Catalog
	Providers *providers.Registry

	// Limiter admits outgoing calls per provider. Defaults to a
	// registry with default bucket tuning.
	Limiter *ratelimit.Registry

	// Breakers holds the per-model circuit breakers. Defaults to a
	// registry with default breaker tuning.
	Breakers *circuit.Registry

	// Cache is the response cache. Nil leaves caching off entirely.
	Cache *cache.ResponseCache

	// Tools advertises and executes tools. Nil disables tool use.
	Tools *tools.Negotiator

	// Retry tunes the per-call retry schedule. The zero value uses
	// the default schedule; RetryIf defaults to provider-error
	// classification.
	Retry retry.Config

	// MaxFallbackDepth bounds fallback hops per request.
	MaxFallbackDepth int

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Service is the single entry point for LLM completions.
type Service struct {
	catalog   *Catalog
	providers *providers.Registry
	limiter   *ratelimit.Registry
	breakers  *circuit.Registry
	cache     *cache.ResponseCache
	tools     *tools.Negotiator
	retry     retry.Config
	maxDepth  int
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// NewService creates the service. Catalog and Providers must be set.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Catalog == nil {
		return nil, fmt.Errorf("llm: catalog is required")
	}
	if config.Providers == nil {
		return nil, fmt.Errorf("llm: provider registry is required")
	}
	if config.Limiter == nil {
		config.Limiter = ratelimit.NewRegistry(ratelimit.DefaultConfig(), nil)
	}
	if config.Breakers == nil {
		config.Breakers = circuit.NewRegistry(circuit.DefaultConfig())
	}
	if config.Retry.RetryIf == nil {
		config.Retry.RetryIf = providers.IsRetryable
	}
	if config.MaxFallbackDepth <= 0 {
		config.MaxFallbackDepth = DefaultMaxFallbackDepth
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewMetrics()
	}
	if config.Tracer == nil {
		config.Tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "ensemble"})
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "llm")
	}

	return &Service{
		catalog:   config.Catalog,
		providers: config.Providers,
		limiter:   config.Limiter,
		breakers:  config.Breakers,
		cache:     config.Cache,
		tools:     config.Tools,
		retry:     config.Retry,
		maxDepth:  config.MaxFallbackDepth,
		metrics:   config.Metrics,
		tracer:    config.Tracer,
		logger:    config.Logger,
	}, nil
}

// Request is one normalized completion request.
type Request struct {
	// Model is the logical model name, resolved through the catalog.
	Model string

	// Messages is the full turn sequence, leading system turn included.
	Messages []models.ChatTurn

	// Params are the sampling parameters for this call.
	Params models.AgentParameters

	// Archetype selects the tool allow-list advertised to the model.
	Archetype string

	// DisableTools suppresses tool advertisement for this call even when
	// the service carries a negotiator.
	DisableTools bool

	// APIKey optionally overrides the adapter's credential for this
	// call.
	APIKey string

	// OnFallback, when set, observes each fallback hop before the
	// alternate model is tried.
	OnFallback func(fromModel, toModel string)
}

// Complete runs one request through the call path and, when the target
// model is unavailable, through its fallback chain. The returned
// completion names the model that actually served the call.
func (s *Service) Complete(ctx context.Context, req *Request) (*models.Completion, error) {
	if req == nil || req.Model == "" {
		return nil, fmt.Errorf("llm: request must name a model")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("llm: request has no messages")
	}

	completion, err := s.completeOnce(ctx, req.Model, req)
	if err == nil {
		return completion, nil
	}
	if !shouldFallback(err) {
		return nil, err
	}

	// Walk the requested model's chain in order. Viability is checked
	// per hop because our own failed attempts may have opened a
	// breaker since the walk began.
	tried := map[string]bool{req.Model: true}
	current := req.Model
	lastErr := err
	hops := 0
	for _, next := range s.catalog.Fallbacks(req.Model) {
		if hops >= s.maxDepth {
			break
		}
		if tried[next] {
			continue
		}
		tried[next] = true
		if !s.viable(next) {
			s.logger.Debug("skipping fallback candidate", "model", next)
			continue
		}

		hops++
		s.metrics.RecordFallback(current, next)
		s.logger.Warn("falling back to alternate model",
			"from", current,
			"to", next,
			"cause", lastErr)
		if req.OnFallback != nil {
			req.OnFallback(current, next)
		}

		completion, err = s.completeOnce(ctx, next, req)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if !shouldFallback(err) {
			return nil, err
		}
		current = next
	}

	return nil, lastErr
}

// completeOnce climbs the ladder for a single model.
func (s *Service) completeOnce(ctx context.Context, model string, req *Request) (*models.Completion, error) {
	mc, err := s.catalog.Resolve(model)
	if err != nil {
		return nil, err
	}

	if estimated := estimateTokens(req.Messages); mc.ContextWindow > 0 && estimated > mc.ContextWindow {
		return nil, &ContextWindowExceededError{Model: model, Estimated: estimated, Limit: mc.ContextWindow}
	}

	if ok, retryAfter := s.limiter.Admit(mc.Provider); !ok {
		s.metrics.RecordRateLimited(mc.Provider)
		return nil, &RateLimitedError{Provider: mc.Provider, RetryAfter: retryAfter}
	}

	fingerprint := cache.Fingerprint(model, req.Messages, req.Params)
	if s.cache != nil {
		if cached, ok := s.cache.Get(fingerprint); ok {
			s.metrics.RecordCacheLookup(true)
			return &cached, nil
		}
		s.metrics.RecordCacheLookup(false)
	}

	adapter, ok := s.providers.Get(mc.Provider)
	if !ok {
		return nil, &NoAdapterError{Provider: mc.Provider, Model: model}
	}

	ctx, span := s.tracer.TraceLLMRequest(ctx, mc.Provider, model)
	defer span.End()

	start := time.Now()
	breaker := s.breakers.Get(circuit.ScopeModel, model)

	var completion *models.Completion
	execErr := breaker.Execute(func() error {
		c, err := s.converse(ctx, adapter, mc, req)
		if err != nil {
			return err
		}
		completion = c
		return nil
	})
	if execErr != nil {
		if errors.Is(execErr, circuit.ErrOpen) {
			s.metrics.RecordBreakerRejection("model:" + model)
			return nil, &CircuitOpenError{Model: model}
		}
		s.tracer.RecordError(span, execErr)
		s.metrics.RecordLLMRequest(mc.Provider, model, "error", time.Since(start).Seconds(), 0, 0)
		s.logger.Warn("provider call failed",
			"provider", mc.Provider,
			"model", model,
			"error", execErr)
		return nil, execErr
	}

	s.metrics.RecordLLMRequest(mc.Provider, model, "success", time.Since(start).Seconds(),
		completion.Usage.PromptTokens, completion.Usage.CompletionTokens)

	if s.cache != nil {
		s.cache.Set(fingerprint, *completion, model)
	}
	return completion, nil
}

// converse issues the provider call and, when the model requests
// tools, executes them and re-invokes exactly once with the results.
// Usage from both calls is accumulated.
func (s *Service) converse(ctx context.Context, adapter providers.Adapter, mc models.ModelConfig, req *Request) (*models.Completion, error) {
	wire := &providers.Request{
		Model:  mc.APIName,
		Params: req.Params,
		APIKey: req.APIKey,
	}
	wire.System, wire.Messages = splitTurns(req.Messages)

	if s.tools != nil && !req.DisableTools && adapter.SupportsTools() {
		wire.Tools = s.tools.Advertise(req.Archetype)
	}

	resp, err := s.call(ctx, adapter, wire)
	if err != nil {
		return nil, err
	}

	usage := resp.Usage
	if len(resp.ToolCalls) == 0 || s.tools == nil {
		return &models.Completion{
			Content: resp.Content,
			Usage:   usage,
			Model:   mc.Model,
		}, nil
	}

	results, err := s.runTools(ctx, resp.ToolCalls)
	if err != nil {
		return nil, err
	}

	// A fresh request for the re-invoke: the first one was handed to
	// the adapter and must not be mutated behind its back.
	followUp := &providers.Request{
		Model:  wire.Model,
		System: wire.System,
		Params: wire.Params,
		Tools:  wire.Tools,
		APIKey: wire.APIKey,
		Messages: append(append(make([]providers.Message, 0, len(wire.Messages)+2), wire.Messages...),
			providers.Message{Role: string(models.RoleAssistant), Content: resp.Content, ToolCalls: resp.ToolCalls},
			providers.Message{Role: string(models.RoleTool), ToolResults: results},
		),
	}

	final, err := s.call(ctx, adapter, followUp)
	if err != nil {
		return nil, err
	}
	usage.Add(final.Usage)

	// Calls from the second response are reported but never executed;
	// the round-trip happens once per request.
	toolCalls := append(append([]models.ToolCall(nil), resp.ToolCalls...), final.ToolCalls...)

	return &models.Completion{
		Content:   final.Content,
		Usage:     usage,
		ToolCalls: toolCalls,
		Model:     mc.Model,
	}, nil
}

// call issues one adapter call under the bounded retry schedule.
func (s *Service) call(ctx context.Context, adapter providers.Adapter, wire *providers.Request) (*providers.Response, error) {
	resp, result := retry.DoWithValue(ctx, s.retry, func() (*providers.Response, error) {
		return adapter.Complete(ctx, wire)
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return resp, nil
}

// runTools executes every requested call through the negotiator. A
// model naming a tool it was never advertised aborts the turn; a tool
// that runs and fails reports back to the model as an error result.
func (s *Service) runTools(ctx context.Context, calls []models.ToolCall) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		toolCtx, span := s.tracer.TraceToolExecution(ctx, call.Name)
		start := time.Now()

		res, err := s.tools.Invoke(toolCtx, call.Name, call.Arguments)
		if err != nil {
			s.tracer.RecordError(span, err)
			span.End()
			s.metrics.RecordToolExecution(call.Name, "error", time.Since(start).Seconds())

			if errors.Is(err, tools.ErrUnknownTool) {
				return nil, fmt.Errorf("tool call rejected: %w", err)
			}
			results = append(results, models.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: err.Error(),
				IsError: true,
			})
			continue
		}
		span.End()

		status := "success"
		if res != nil && res.IsError {
			status = "error"
		}
		s.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
		results = append(results, tools.FormatResult(res, call))
	}
	return results, nil
}

// viable reports whether a fallback candidate can be attempted now:
// registered, served by an adapter, and not behind an open breaker.
func (s *Service) viable(model string) bool {
	mc, err := s.catalog.Resolve(model)
	if err != nil {
		return false
	}
	if _, ok := s.providers.Get(mc.Provider); !ok {
		return false
	}
	return s.breakers.Get(circuit.ScopeModel, model).State() != circuit.StateOpen
}

// shouldFallback decides whether a failure routes to the next chain
// entry. Open breakers, missing adapters, window overflows, and
// provider failures (terminal, or retryable with retries exhausted)
// continue the walk. Local bucket refusals, catalog misses, and
// context cancellation surface immediately.
func shouldFallback(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var circuitOpen *CircuitOpenError
	if errors.As(err, &circuitOpen) {
		return true
	}
	var window *ContextWindowExceededError
	if errors.As(err, &window) {
		return true
	}
	var noAdapter *NoAdapterError
	if errors.As(err, &noAdapter) {
		return true
	}
	if _, ok := providers.AsError(err); ok {
		return true
	}
	return false
}

// estimateTokens approximates the prompt's token count as total
// characters over four, rounded up. The window check only needs the
// right order of magnitude, and the estimate must be provider-neutral.
func estimateTokens(turns []models.ChatTurn) int {
	chars := 0
	for _, turn := range turns {
		chars += len(turn.Content)
	}
	return (chars + 3) / 4
}

// splitTurns converts the neutral turn sequence to the adapter shape,
// lifting a leading system turn into the request's System field.
func splitTurns(turns []models.ChatTurn) (string, []providers.Message) {
	var system string
	messages := make([]providers.Message, 0, len(turns))
	for i, turn := range turns {
		if i == 0 && turn.Role == models.RoleSystem {
			system = turn.Content
			continue
		}
		msg := providers.Message{Role: string(turn.Role), Content: turn.Content}
		if turn.Role == models.RoleTool {
			msg.Content = ""
			msg.ToolResults = []models.ToolResult{{CallID: turn.ToolCallID, Content: turn.Content}}
		}
		messages = append(messages, msg)
	}
	return system, messages
}
