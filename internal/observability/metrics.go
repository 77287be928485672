package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the application's instrument set. Everything observable
// hangs off one instance:
//   - provider call outcomes and latencies, plus token spend
//   - resilience events, from admission rejections to fallback hops
//   - tool runs and orchestrated turn outcomes
//   - session and client gauges for capacity planning
//
// Instruments live on a dedicated registry rather than the Prometheus
// default, so tests and embedders can hold isolated instances. The
// gateway exposes Registry at /metrics.
//
// Usage:
//
//	m := observability.NewMetrics()
//	m.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", elapsed.Seconds(), 100, 500)
type Metrics struct {
	// Registry holds every instrument below.
	Registry *prometheus.Registry

	// LLMRequestCounter counts provider calls.
	// Labels: provider (anthropic|openai|google|bedrock), model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed sums prompt and completion token spend.
	// Labels: provider, model, type
	LLMTokensUsed *prometheus.CounterVec

	// CacheLookups counts response cache lookups.
	// Labels: result (hit|miss)
	CacheLookups *prometheus.CounterVec

	// RateLimitRejections counts calls refused by the local admission bucket.
	// Labels: provider
	RateLimitRejections *prometheus.CounterVec

	// BreakerRejections counts calls refused by an open circuit breaker.
	// Labels: name (the breaker's scoped name)
	BreakerRejections *prometheus.CounterVec

	// ModelFallbacks counts hops along fallback chains.
	// Labels: from_model, to_model
	ModelFallbacks *prometheus.CounterVec

	// ToolExecutionCounter counts tool runs by outcome.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures per-tool wall time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// OrchestrationCounter counts orchestrated turns.
	// Labels: strategy (parallel|sequential|pipeline|competitive|consensus), status (success|error)
	OrchestrationCounter *prometheus.CounterVec

	// OrchestrationDuration measures whole-turn latency in seconds.
	// Labels: strategy
	OrchestrationDuration *prometheus.HistogramVec

	// ActiveSessions is a gauge tracking sessions that have not expired.
	ActiveSessions prometheus.Gauge

	// SessionDuration records each session's lifetime in seconds,
	// observed at expiry.
	SessionDuration prometheus.Histogram

	// ConnectedClients is a gauge tracking live WebSocket connections.
	ConnectedClients prometheus.Gauge

	// EventsDropped counts events shed under backpressure.
	// Labels: type (the event type string)
	EventsDropped *prometheus.CounterVec

	// MemorySaves counts persistence runs.
	// Labels: status (success|error)
	MemorySaves *prometheus.CounterVec

	// ErrorCounter aggregates failures across subsystems for alerting.
	// Labels: component (llm|tool|orchestrator|gateway|memory), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates all instruments on a fresh registry.
// Call once at application startup and share the instance.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_llm_requests_total",
				Help: "LLM requests partitioned by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensemble_llm_request_duration_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_llm_tokens_total",
				Help: "Prompt and completion tokens consumed per provider and model",
			},
			[]string{"provider", "model", "type"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_cache_lookups_total",
				Help: "Total number of response cache lookups by result",
			},
			[]string{"result"},
		),

		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_rate_limit_rejections_total",
				Help: "Total number of requests refused by the local admission bucket",
			},
			[]string{"provider"},
		),

		BreakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_breaker_rejections_total",
				Help: "Total number of requests refused by an open circuit breaker",
			},
			[]string{"name"},
		),

		ModelFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_model_fallbacks_total",
				Help: "Total number of fallback hops by source and target model",
			},
			[]string{"from_model", "to_model"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_tool_executions_total",
				Help: "Tool runs partitioned by tool_name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensemble_tool_execution_duration_seconds",
				Help:    "Tool run wall time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool_name"},
		),

		OrchestrationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_orchestrations_total",
				Help: "Total number of orchestrated turns by strategy and status",
			},
			[]string{"strategy", "status"},
		),

		OrchestrationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensemble_orchestration_duration_seconds",
				Help:    "Duration of orchestrated turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"strategy"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ensemble_active_sessions",
				Help: "Current number of active sessions",
			},
		),

		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ensemble_session_duration_seconds",
				Help:    "Session lifetime in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
		),

		ConnectedClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ensemble_connected_clients",
				Help: "Current number of connected WebSocket clients",
			},
		),

		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_events_dropped_total",
				Help: "Total number of events dropped under backpressure by type",
			},
			[]string{"type"},
		),

		MemorySaves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_memory_saves_total",
				Help: "Total number of memory persistence runs by status",
			},
			[]string{"status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_errors_total",
				Help: "Errors by component and error_type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordLLMRequest records one provider call. The request counter and
// latency histogram always move; token counters only when the counts
// are nonzero.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordCacheLookup records a response cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordRateLimited records a call refused by the admission bucket.
func (m *Metrics) RecordRateLimited(provider string) {
	m.RateLimitRejections.WithLabelValues(provider).Inc()
}

// RecordBreakerRejection records a call refused by an open breaker.
func (m *Metrics) RecordBreakerRejection(name string) {
	m.BreakerRejections.WithLabelValues(name).Inc()
}

// RecordFallback records one hop along a model fallback chain.
//
// Example:
//
//	metrics.RecordFallback("gpt-4o", "claude-sonnet-4")
func (m *Metrics) RecordFallback(fromModel, toModel string) {
	m.ModelFallbacks.WithLabelValues(fromModel, toModel).Inc()
}

// RecordToolExecution records one tool run by name and outcome.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordOrchestration records metrics for one orchestrated turn.
func (m *Metrics) RecordOrchestration(strategy, status string, durationSeconds float64) {
	m.OrchestrationCounter.WithLabelValues(strategy, status).Inc()
	m.OrchestrationDuration.WithLabelValues(strategy).Observe(durationSeconds)
}

// SessionStarted marks one more live session.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge and records the
// session's lifetime.
func (m *Metrics) SessionEnded(durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// ClientConnected increments the connected clients gauge.
func (m *Metrics) ClientConnected() {
	m.ConnectedClients.Inc()
}

// ClientDisconnected decrements the connected clients gauge.
func (m *Metrics) ClientDisconnected() {
	m.ConnectedClients.Dec()
}

// RecordEventDropped records an event shed under backpressure.
func (m *Metrics) RecordEventDropped(eventType string) {
	m.EventsDropped.WithLabelValues(eventType).Inc()
}

// RecordMemorySave records one persistence run.
func (m *Metrics) RecordMemorySave(status string) {
	m.MemorySaves.WithLabelValues(status).Inc()
}

// RecordError counts a failure. The component names the subsystem that
// failed and errorType is a low-cardinality class such as "rate_limit"
// or "bad_envelope".
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
