package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/couchcryptid/storm-alert-service"
	serviceName = "storm-alert-service"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs an OTLP gRPC trace provider. With an empty
// endpoint tracing stays disabled and the global noop provider is used.
// The returned function flushes and stops the provider.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartPublishSpan creates the parent span for delivering one alert.
func StartPublishSpan(ctx context.Context, alertID, source, level string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "alert.publish",
		trace.WithAttributes(
			attribute.String("alert.id", alertID),
			attribute.String("alert.source", source),
			attribute.String("alert.level", level),
		),
	)
}

// StartDispatchSpan creates a child span covering every batch of one dispatch.
func StartDispatchSpan(ctx context.Context, tokens, batches int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch.run",
		trace.WithAttributes(
			attribute.Int("dispatch.tokens", tokens),
			attribute.Int("dispatch.batches", batches),
		),
	)
}

// StartBatchSpan creates a client span for one push gateway call.
func StartBatchSpan(ctx context.Context, index, size int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch.batch",
		trace.WithAttributes(
			attribute.Int("dispatch.batch.index", index),
			attribute.Int("dispatch.batch.size", size),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
