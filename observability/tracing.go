package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope for router spans.
const TracerName = "routecore"

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string // OTLP gRPC endpoint, e.g. "localhost:4317"
	ServiceName string
	SampleRate  float64 // 0.0 to 1.0
	Insecure    bool
}

// DefaultTracingConfig returns tracing disabled with local defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Endpoint:    "localhost:4317",
		ServiceName: "routecore",
		SampleRate:  1.0,
		Insecure:    true,
	}
}

// TracerProvider owns the exporter pipeline behind the router's tracer.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing sets up the OTLP pipeline, or a no-op tracer when
// disabled, so callers can install the tracer unconditionally.
func InitTracing(ctx context.Context, cfg TracingConfig) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tracer: noop.NewTracerProvider().Tracer(TracerName)}, nil
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: provider, tracer: provider.Tracer(TracerName)}, nil
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

// Tracer returns the tracer for router spans.
func (tp *TracerProvider) Tracer() trace.Tracer { return tp.tracer }

// Shutdown flushes and stops the exporter pipeline.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// The router emits one span per routed request and one child span per
// candidate attempt, so a trace shows the fallback walk: which
// providers were tried, in what order, and why each failed.

// StartRouteSpan opens the per-request span.
func StartRouteSpan(ctx context.Context, tracer trace.Tracer, operation, priority string, estimatedTokens int) (context.Context, trace.Span) {
	return tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("route.priority", priority),
			attribute.Int("route.estimated_tokens", estimatedTokens),
		),
	)
}

// StartAttemptSpan opens a child span for one candidate attempt.
func StartAttemptSpan(ctx context.Context, tracer trace.Tracer, provider, model string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "route.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("route.provider", provider),
			attribute.String("gen_ai.request.model", model),
			attribute.Int("route.attempt", attempt),
		),
	)
}

// EndAttemptSpan closes an attempt span, recording the failure when the
// attempt did not succeed.
func EndAttemptSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordRouteResult marks the request span with the settling outcome.
func RecordRouteResult(span trace.Span, provider string, attempts, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.String("route.provider", provider),
		attribute.Int("route.attempts", attempts),
		attribute.Int("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int("gen_ai.usage.output_tokens", outputTokens),
	)
}

// RecordRouteFailure marks the request span as failed.
func RecordRouteFailure(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
