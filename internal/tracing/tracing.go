// Package tracing configures OpenTelemetry for evidraft processes.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "evidraft"

var (
	initOnce   sync.Once
	shutdownFn func(context.Context) error
)

// Init installs the global tracer provider. exporter "stdout" writes spans
// as JSON to stderr; anything else installs a no-op provider.
// Returns a shutdown func that flushes pending spans.
func Init(service, exporter string) (func(context.Context) error, error) {
	var initErr error
	initOnce.Do(func() {
		switch strings.ToLower(strings.TrimSpace(exporter)) {
		case "stdout":
			exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
			if err != nil {
				initErr = fmt.Errorf("create stdout exporter: %w", err)
				return
			}
			res, err := resource.New(context.Background(),
				resource.WithAttributes(semconv.ServiceNameKey.String(service)),
			)
			if err != nil {
				initErr = fmt.Errorf("build resource: %w", err)
				return
			}
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exp),
				sdktrace.WithResource(res),
			)
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			shutdownFn = tp.Shutdown
		default:
			otel.SetTracerProvider(noop.NewTracerProvider())
		}
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
