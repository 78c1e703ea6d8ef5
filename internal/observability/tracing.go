package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name registered with the global
// OpenTelemetry tracer provider.
const TracerName = "agentcore"

// TracingConfig configures the tracer provider.
type TracingConfig struct {
	// ServiceName identifies this process in exported spans.
	ServiceName string

	// Exporter is an already-constructed span exporter (e.g. stdouttrace,
	// otlptrace). Tests typically pass an in-memory exporter.
	Exporter sdktrace.SpanExporter

	// SampleRatio is the fraction of traces to sample, in [0,1]. 0 disables
	// tracing (a no-op tracer provider is installed instead).
	SampleRatio float64
}

// NewTracerProvider builds and installs a global tracer provider per cfg,
// returning a shutdown function the caller must invoke on process exit.
func NewTracerProvider(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	if cfg.SampleRatio <= 0 || cfg.Exporter == nil {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(cfg.Exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package-wide tracer. Call sites use this instead of
// reaching for otel.Tracer directly so the instrumentation name stays
// consistent across the module.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartProviderSpan starts a span around a single LLM provider round.
func StartProviderSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	))
}

// StartToolSpan starts a span around a single tool invocation.
func StartToolSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", toolName),
	))
}

// EndSpan records err on span (if non-nil) and ends it. A nil error marks the
// span Ok.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
