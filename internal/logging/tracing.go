package logging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TracingOptions configures the OTLP exporter. An empty Endpoint disables
// tracing entirely (SetupTracing becomes a no-op returning a no-op shutdown).
type TracingOptions struct {
	Endpoint    string
	ServiceName string
	Dev         bool
}

// SetupTracing installs a global TracerProvider exporting via OTLP/gRPC when
// Endpoint is set, using a lower sampling ratio in non-dev environments. It
// returns a shutdown func to flush and stop the exporter.
func SetupTracing(ctx context.Context, opts TracingOptions) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(opts.Endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(opts.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	ratio := 0.1
	if opts.Dev {
		ratio = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
