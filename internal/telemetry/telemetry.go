// Package telemetry wires up OpenTelemetry metrics and tracing for the
// controller: an OTLP gRPC exporter when an endpoint is configured, a
// no-op provider otherwise.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Shutdown flushes and tears down whatever providers were installed.
type Shutdown func(context.Context) error

// Init installs global meter and tracer providers. If
// OTEL_EXPORTER_OTLP_ENDPOINT is unset, both providers are no-ops.
func Init(ctx context.Context, service string) (Shutdown, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewSchemaless(attribute.String("service.name", service)))
	if err != nil {
		return nil, err
	}

	mexp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, nil
	}
	reader := sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	texp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		slog.Warn("trace exporter init failed", "error", err)
		return mp.Shutdown, nil
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(texp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	slog.Info("telemetry initialized", "endpoint", endpoint)

	return func(c context.Context) error {
		_ = tp.Shutdown(c)
		return mp.Shutdown(c)
	}, nil
}

// Meter returns the named meter from the global provider (no-op unless
// Init installed a real one).
func Meter(name string) metric.Meter { return otel.Meter(name) }

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }

// WithSpan starts a span and returns a derived context and its End func.
func WithSpan(ctx context.Context, tracerName, spanName string) (context.Context, func()) {
	ctx, span := Tracer(tracerName).Start(ctx, spanName)
	return ctx, func() { span.End() }
}
