// Package tracing provides OpenTelemetry helpers that export spans to
// Jaeger. The engine's Put and HandleIncoming spans reach it through
// pkg/meshgraph's adapter; forwarding and anti-entropy reconciliation open
// no spans of their own.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer builds a TracerProvider exporting to the given Jaeger
// collector endpoint and installs it as the global provider. The
// provider is returned even if the endpoint is unreachable: Jaeger
// exporters fail at export time, not at construction time.
func InitTracer(service, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", service),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

var tracer = otel.Tracer("github.com/knirvcorp/meshgraph")

// StartSpan starts a span named name as a child of any span already in
// ctx, attaching attrs as span attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
