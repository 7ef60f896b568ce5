package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: JAEGER INTEGRATION FOR DISTRIBUTED TRACING

  App → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI

Without an endpoint the global provider stays the OpenTelemetry no-op
provider, so StartSpan calls cost next to nothing.
*/

// ShutdownFunc flushes and stops the tracer provider
type ShutdownFunc func(context.Context) error

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
// An empty endpoint leaves tracing disabled.
func InitJaeger(serviceName, version, jaegerEndpoint string, logger zerolog.Logger) (ShutdownFunc, error) {
	if jaegerEndpoint == "" {
		logger.Info().Msg("tracing disabled: no jaeger endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	logger.Info().Str("endpoint", jaegerEndpoint).Str("service", serviceName).Msg("jaeger tracing initialized")

	// Always flush traces on shutdown
	return tp.Shutdown, nil
}
