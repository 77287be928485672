package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with helpers shaped around the
// lifecycle of an orchestrated turn: a server span for the turn, with
// client spans for provider calls and internal spans for tool
// invocations nested beneath it. Child spans inherit through the
// context, so the hierarchy holds even when agents fan out
// concurrently.
//
//	ctx, span := tracer.TraceOrchestration(ctx, "consensus", sessionID)
//	defer span.End()
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig controls span export.
type TraceConfig struct {
	// ServiceName becomes the service.name resource attribute.
	// Empty defaults to "ensemble".
	ServiceName string

	// ServiceVersion is stamped on every exported span.
	ServiceVersion string

	// Environment, when set, tags spans with deployment.environment.
	Environment string

	// Endpoint is the OTLP/gRPC collector address as host:port.
	// Leaving it empty disables export: spans are still handed out so
	// call sites need no nil checks, they just never record.
	Endpoint string

	// SamplingRate is the recorded fraction of traces. Zero means
	// record everything; values between 0 and 1 sample by trace ID.
	SamplingRate float64

	// Insecure dials the collector without TLS.
	Insecure bool
}

// SpanOptions carries an optional span kind and initial attributes for Start.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// NewTracer builds a Tracer and a shutdown function that flushes
// buffered spans. Call shutdown during process exit with a bounded
// context.
//
// Without an Endpoint the Tracer is a no-op and shutdown returns
// immediately. Exporter construction failures degrade to the same
// no-op instead of failing startup.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "ensemble"
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}
	if config.Endpoint == "" {
		return noopTracer(config)
	}

	exporter, err := newOTLPExporter(config)
	if err != nil {
		return noopTracer(config)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newTraceResource(config)),
		sdktrace.WithSampler(samplerFor(config.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
		config:   config,
	}
	return t, provider.Shutdown
}

func noopTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	t := &Tracer{
		tracer: otel.Tracer(config.ServiceName),
		config: config,
	}
	return t, func(context.Context) error { return nil }
}

func newOTLPExporter(config TraceConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
}

func newTraceResource(config TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Start opens a span named name; the caller must End it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	var startOpts []trace.SpanStartOption
	for _, opt := range opts {
		if opt.Kind != trace.SpanKindUnspecified {
			startOpts = append(startOpts, trace.WithSpanKind(opt.Kind))
		}
		if len(opt.Attributes) > 0 {
			startOpts = append(startOpts, trace.WithAttributes(opt.Attributes...))
		}
	}
	return t.tracer.Start(ctx, name, startOpts...)
}

// RecordError marks span as failed and attaches err as a span event.
// A nil err leaves the span untouched.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes attaches alternating key-value pairs to span. Keys
// must be strings; a pair with a non-string key is skipped, as is a
// trailing key without a value.
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			attrs = append(attrs, attributeFromValue(key, keyvals[i+1]))
		}
	}
	span.SetAttributes(attrs...)
}

// TraceOrchestration opens the server span covering one orchestrated
// turn. Provider and tool spans nest beneath it.
func (t *Tracer) TraceOrchestration(ctx context.Context, strategy, sessionID string) (context.Context, trace.Span) {
	return t.Start(ctx, "orchestrate."+strategy, SpanOptions{
		Kind: trace.SpanKindServer,
		Attributes: []attribute.KeyValue{
			attribute.String("orchestration.strategy", strategy),
			attribute.String("session_id", sessionID),
		},
	})
}

// TraceLLMRequest opens the client span for a single provider call.
func (t *Tracer) TraceLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "llm."+provider, SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		},
	})
}

// TraceToolExecution opens the span for one tool invocation.
func (t *Tracer) TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool."+toolName, SpanOptions{
		Kind:       trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{attribute.String("tool.name", toolName)},
	})
}

// attributeFromValue converts a Go value to a typed span attribute.
// Unrecognized types are stringified with %v.
func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	}
	return attribute.String(key, fmt.Sprintf("%v", val))
}

// WithSpan runs fn inside a span named name, recording any returned
// error before the span ends.
func WithSpan(ctx context.Context, tracer *Tracer, name string, fn func(context.Context, trace.Span) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	if err := fn(ctx, span); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	return nil
}

// GetTraceID extracts the active trace ID from ctx, or "" when no
// span is present. Useful for correlating log lines with traces.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// GetSpanID extracts the active span ID from ctx, or "".
func GetSpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.SpanID().String()
	}
	return ""
}
