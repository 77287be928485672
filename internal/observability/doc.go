// Package observability carries the shared telemetry for the
// orchestration core: Prometheus metrics on a dedicated registry,
// slog-based structured logging with credential redaction, and
// OpenTelemetry tracing with OTLP export.
//
// # Metrics
//
// NewMetrics builds every instrument the core records: provider call
// latency and token counters, cache hits, rate-limit rejections,
// breaker trips, fallback hops, tool execution timings, per-strategy
// turn outcomes, and live session and WebSocket client gauges. The
// instruments live on Metrics.Registry rather than the process-global
// default registry, which keeps parallel tests from colliding:
//
//	metrics := observability.NewMetrics()
//	http.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
//
// # Logging
//
// NewLogger returns a plain *slog.Logger whose handler chain redacts
// credential-shaped values before they reach the sink. Decrypted
// provider keys must never appear in log output, so redaction sits
// below every handler instead of relying on call-site discipline.
// Correlation IDs stored in the context with AddRequestID,
// AddSessionID, AddUserID, and AddAgentID are appended to records
// automatically:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	slog.SetDefault(logger)
//
//	ctx = observability.AddSessionID(ctx, sessionID)
//	logger.InfoContext(ctx, "turn complete", "strategy", "consensus")
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when a collector endpoint is
// configured and degrades to a no-op otherwise, so instrumented paths
// cost nothing in minimal deployments. Span helpers mirror the turn
// lifecycle, with TraceOrchestration at the root and TraceLLMRequest
// and TraceToolExecution nested beneath it:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "ensemble",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
package observability
