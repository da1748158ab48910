package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName identifies this process in traces and logs.
const ServiceName = "trade-service"

// Tracer is the application tracer. Until InitTracer installs an exporter it
// is backed by the global no-op provider.
var Tracer trace.Tracer = otel.Tracer(ServiceName)

// TracingOptions configures the OTLP exporter.
type TracingOptions struct {
	Enabled     bool
	Endpoint    string // host:port of the OTLP gRPC collector
	Environment string
}

// InitTracer installs an OTLP gRPC trace exporter. When tracing is disabled
// or the collector is unreachable it keeps the no-op tracer and returns a
// no-op cleanup.
func InitTracer(ctx context.Context, opts TracingOptions, logger *slog.Logger) (func(), error) {
	if !opts.Enabled {
		return func() {}, nil
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	env := opts.Environment
	if env == "" {
		env = "development"
	}

	logger.Info("initializing OpenTelemetry tracer", "endpoint", endpoint)

	// Dial the collector first so a missing one degrades to no-op tracing
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		logger.Warn("OTLP endpoint unreachable, tracing disabled", "endpoint", endpoint, "error", err)
		return func() {}, nil
	}

	// Create OTLP exporter over the dialled connection
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
			attribute.String("environment", env),
		),
	)
	if err != nil {
		return nil, err
	}

	// Create trace provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	// Set global trace provider and propagator
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	Tracer = tp.Tracer(ServiceName)

	// Return shutdown function
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer provider shutdown failed", "error", err)
		}
	}, nil
}
