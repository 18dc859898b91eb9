// Package tracing installs the OpenTelemetry tracer provider and names the
// tracers and spans used across hacep.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Tracer names
const (
	TracerHTTP     = "httpserver"
	TracerElection = "election"
	TracerConsumer = "consumer"
	TracerSnapshot = "snapshot"
	TracerProducer = "producer"
	TracerCLI      = "hacep"
)

// Span names
const (
	SpanHTTPRequest       = "http.request"
	SpanElectionTenure    = "election.tenure"
	SpanSessionStart      = "consumer.session_start"
	SpanSnapshotSerialize = "snapshot.serialize"
	SpanSnapshotRestore   = "snapshot.deserialize"
	SpanProducerPublish   = "producer.publish"
	SpanCLIStatus         = "hacep.status"
	SpanCLISnapshot       = "hacep.snapshot"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Init installs the global tracer provider. Spans are exported to stdout
// when OTEL_TRACING_STDOUT=1 and are otherwise recorded without an exporter.
// OTEL_TRACES_SAMPLER_ARG sets the ratio of root spans sampled.
func Init(ctx context.Context, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := os.Getenv("OTEL_SERVICE_NAME")
	if name == "" {
		name = "hacep"
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", name),
			attribute.String("service.namespace", "hacep"),
		),
	)
	if err != nil {
		logger.Warn("tracing resource detection incomplete", "error", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(logger, os.Getenv("OTEL_TRACES_SAMPLER_ARG"))),
	}
	if os.Getenv("OTEL_TRACING_STDOUT") == "1" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func sampler(logger *slog.Logger, arg string) sdktrace.Sampler {
	if arg == "" {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	ratio, err := strconv.ParseFloat(arg, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		logger.Warn("ignoring invalid trace sample ratio", "value", arg)
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
