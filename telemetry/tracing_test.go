package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "taskq-test", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if otel.GetTextMapPropagator() == nil {
		t.Fatal("propagator not installed")
	}
}

func TestInitTracerWithEndpoint(t *testing.T) {
	// otlptracegrpc 惰性建连，没有 collector 也能创建
	shutdown, err := InitTracer(context.Background(), "taskq-test", "127.0.0.1:4317")
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// 导出失败不影响关闭流程
	_ = shutdown(ctx)
}
