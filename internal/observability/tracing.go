// Package observability wires the optional OpenTelemetry surfaces: spans
// around the interception pipeline and a meter on the execution backend.
// Both export to stderr, which is the only side channel the gateway owns
// in stdio mode; stdout carries the JSON-RPC wire.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName labels exported telemetry.
const ServiceName = "chimera"

// TracerManager owns the tracer provider lifecycle. A disabled manager
// hands out a noop tracer so call sites never branch.
type TracerManager struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *slog.Logger
}

// tracerOutput is swapped by tests to capture exported spans.
var tracerOutput io.Writer = os.Stderr

// NewTracerManager builds the tracing surface. When enabled is false it
// returns a manager whose tracer is a noop and whose Shutdown does nothing.
func NewTracerManager(enabled bool, version string, logger *slog.Logger) (*TracerManager, error) {
	if !enabled {
		return &TracerManager{
			tracer: noop.NewTracerProvider().Tracer(ServiceName),
			logger: logger,
		}, nil
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(tracerOutput),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	logger.Info("tracing enabled", "exporter", "stdout")
	return &TracerManager{
		provider: provider,
		tracer:   provider.Tracer(ServiceName),
		logger:   logger,
	}, nil
}

// Tracer returns the tracer to pass to instrumented components.
func (m *TracerManager) Tracer() trace.Tracer {
	return m.tracer
}

// Shutdown flushes pending spans. Safe on a disabled manager.
func (m *TracerManager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
