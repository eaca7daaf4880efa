package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestInitTracer(t *testing.T) {
	// An unreachable collector endpoint should still yield a provider:
	// jaeger exporters fail at export time, not construction time.
	tp, err := InitTracer("test-node", "http://invalid-endpoint:14268/api/traces")
	if tp == nil {
		t.Error("Expected TracerProvider to be created")
	}
	_ = err
}

func TestStartSpan(t *testing.T) {
	tp, _ := InitTracer("test-node", "http://localhost:14268/api/traces")
	if tp != nil {
		defer tp.Shutdown(context.Background())
	}

	ctx := context.Background()
	newCtx, span := StartSpan(ctx, "put",
		attribute.String("path", "users/alice"))

	if newCtx == nil {
		t.Error("Expected non-nil context")
	}
	if span == nil {
		t.Error("Expected non-nil span")
	}
	span.End()
}

func TestStartSpanWithAttributes(t *testing.T) {
	ctx := context.Background()
	newCtx, span := StartSpan(ctx, "anti-entropy-cycle",
		attribute.String("peer", "node-b"),
		attribute.Int("batch_size", 50))

	if newCtx == nil {
		t.Error("Expected non-nil context")
	}
	if span == nil {
		t.Error("Expected non-nil span")
	}
	span.End()
}
