package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer installs a tracer provider for the given service. When
// endpoint is empty no exporter is configured and spans are dropped
// (a no-op provider) — tracing stays opt-in.
func InitTracer(ctx context.Context, endpoint, serviceName, version string) (shutdown func(context.Context) error, err error) {
	if endpoint == "" {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	_ = serviceName
	_ = version
	return tp.Shutdown, nil
}
