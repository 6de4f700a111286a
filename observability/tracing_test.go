package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingTracer(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return exporter, provider
}

func TestInitTracingDisabledReturnsUsableTracer(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	defer tp.Shutdown(context.Background())

	if tp.Tracer() == nil {
		t.Fatal("expected non-nil tracer when disabled")
	}
	// Spans from the no-op tracer must be safe to use.
	_, span := StartRouteSpan(context.Background(), tp.Tracer(), "router.chat", "normal", 100)
	RecordRouteResult(span, "a", 1, 10, 5)
	span.End()
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()
	if cfg.Enabled {
		t.Error("expected disabled by default")
	}
	if cfg.ServiceName != "routecore" {
		t.Errorf("service name = %q, want routecore", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("sample rate = %v, want 1.0", cfg.SampleRate)
	}
}

func TestRouteSpanWithChildAttempts(t *testing.T) {
	exporter, provider := recordingTracer(t)
	tracer := provider.Tracer(TracerName)

	ctx, routeSpan := StartRouteSpan(context.Background(), tracer, "router.chat", "high", 250)

	_, firstAttempt := StartAttemptSpan(ctx, tracer, "a", "gpt-4o", 1)
	EndAttemptSpan(firstAttempt, errors.New("rate limited"))

	_, secondAttempt := StartAttemptSpan(ctx, tracer, "b", "claude-3-5-haiku", 2)
	EndAttemptSpan(secondAttempt, nil)

	RecordRouteResult(routeSpan, "b", 2, 100, 40)
	routeSpan.End()

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans (route + 2 attempts), got %d", len(spans))
	}

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}

	route, ok := byName["router.chat"]
	if !ok {
		t.Fatal("missing route span")
	}
	if !hasAttr(route.Attributes, "route.priority", "high") {
		t.Errorf("route span missing priority attr: %v", route.Attributes)
	}
	if !hasAttr(route.Attributes, "route.provider", "b") {
		t.Errorf("route span missing settling provider: %v", route.Attributes)
	}

	for _, s := range spans {
		if s.Name != "route.attempt" {
			continue
		}
		if s.Parent.SpanID() != route.SpanContext.SpanID() {
			t.Errorf("attempt span not parented to the route span")
		}
	}
}

func TestEndAttemptSpanRecordsError(t *testing.T) {
	exporter, provider := recordingTracer(t)
	tracer := provider.Tracer(TracerName)

	_, span := StartAttemptSpan(context.Background(), tracer, "a", "gpt-4o", 1)
	EndAttemptSpan(span, errors.New("upstream timeout"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func hasAttr(attrs []attribute.KeyValue, key, want string) bool {
	for _, a := range attrs {
		if string(a.Key) == key && a.Value.AsString() == want {
			return true
		}
	}
	return false
}
