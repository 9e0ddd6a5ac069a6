// Package tracing sets up the process-wide OpenTelemetry TracerProvider
// that otelgin (internal/opshttp) and otelgrpc (internal/rpcserver) report
// spans through. Adapted from the teacher's internal/api/tracing.go,
// repointed at cfg.OTLPEndpoint instead of env vars.
package tracing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup initializes an OTLP/HTTP-exporting TracerProvider when endpoint is
// non-empty, registering it as the global otel.TracerProvider so
// otelgin/otelgrpc pick it up without any further wiring. Returns a
// shutdown func safe to defer unconditionally, and false when tracing was
// left disabled.
func Setup(ctx context.Context, serviceName, endpoint string, log *slog.Logger) (func(context.Context) error, bool) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return noop, false
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	exp, err := otlptrace.New(ctx, client)
	if err != nil {
		log.Warn("otel exporter init failed, tracing disabled", "error", err)
		return noop, false
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, true
}
