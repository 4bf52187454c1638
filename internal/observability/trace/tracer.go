// Package trace provides distributed tracing for the actor. It integrates the
// OpenTelemetry SDK so that a policy update, its mini-batches and the model
// forwards show up as one trace per training step.
package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openeeap/rlactor/pkg/types"
)

// ============================================================================
// Tracer Interface
// ============================================================================

// Tracer defines the distributed tracing interface
type Tracer interface {
	// Start creates a new span
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)

	// GetTraceID returns trace ID from context
	GetTraceID(ctx context.Context) string

	// InjectContext injects trace context into carrier
	InjectContext(ctx context.Context, carrier propagation.TextMapCarrier)

	// ExtractContext extracts trace context from carrier
	ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context

	// Shutdown flushes and stops the exporter
	Shutdown(ctx context.Context) error
}

// ============================================================================
// OpenTelemetry Tracer Implementation
// ============================================================================

// OtelTracer wraps OpenTelemetry tracer
type OtelTracer struct {
	tracer     trace.Tracer
	provider   *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
}

// TracerConfig defines tracer configuration
type TracerConfig struct {
	// Service name
	ServiceName string

	// Service version
	ServiceVersion string

	// Environment (development, staging, production)
	Environment string

	// Provider (none, otlp, zipkin)
	Provider types.TracingProvider

	// Endpoint for exporter
	Endpoint string

	// Disable TLS for the otlp exporter
	Insecure bool

	// Sampling rate (0.0 - 1.0)
	SamplingRate float64
}

// NewTracer creates a tracer exporting to the configured provider. The
// none provider returns a NoopTracer.
func NewTracer(ctx context.Context, cfg TracerConfig) (Tracer, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Provider {
	case types.TracingProviderNone, "":
		return NewNoopTracer(), nil
	case types.TracingProviderZipkin:
		exporter, err = zipkin.New(cfg.Endpoint)
	case types.TracingProviderOTLP:
		exporter, err = createOTLPExporter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(tp)

	return NewTracerWithProvider(tp, cfg.ServiceName), nil
}

// NewTracerWithProvider wraps an existing provider, e.g. one backed by a
// tracetest.SpanRecorder
func NewTracerWithProvider(tp *sdktrace.TracerProvider, name string) *OtelTracer {
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(propagator)

	return &OtelTracer{
		tracer:     tp.Tracer(name),
		provider:   tp,
		propagator: propagator,
	}
}

func createOTLPExporter(ctx context.Context, cfg TracerConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
}

// Start creates a new span
func (t *OtelTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns trace ID from context
func (t *OtelTracer) GetTraceID(ctx context.Context) string {
	return traceID(ctx)
}

// InjectContext injects trace context into carrier
func (t *OtelTracer) InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	t.propagator.Inject(ctx, carrier)
}

// ExtractContext extracts trace context from carrier
func (t *OtelTracer) ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return t.propagator.Extract(ctx, carrier)
}

// Shutdown gracefully shuts down the tracer
func (t *OtelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

func traceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// ============================================================================
// Span Helpers
// ============================================================================

// RecordSpanError records an error on span and marks it failed
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceFunc runs fn inside a span named name
func TraceFunc(ctx context.Context, tracer Tracer, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	RecordSpanError(span, err)
	return err
}

// ============================================================================
// No-op Tracer
// ============================================================================

// NoopTracer starts non-recording spans
type NoopTracer struct {
	tracer trace.Tracer
}

// NewNoopTracer creates a no-op tracer
func NewNoopTracer() Tracer {
	return &NoopTracer{tracer: noop.NewTracerProvider().Tracer("noop")}
}

func (t *NoopTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

func (t *NoopTracer) GetTraceID(ctx context.Context) string { return traceID(ctx) }

func (t *NoopTracer) InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {}

func (t *NoopTracer) ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return ctx
}

func (t *NoopTracer) Shutdown(ctx context.Context) error { return nil }

//Personal.AI order the ending
