package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultMeterInterval is how often readings are exported.
const DefaultMeterInterval = 30 * time.Second

// MeterManager owns the meter provider lifecycle for the execution
// backend: warrant verification outcomes and synthesized-record counts,
// flushed periodically to stderr. A disabled manager hands out a noop
// meter.
type MeterManager struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	logger   *slog.Logger
}

// meterOutput is swapped by tests to capture exported readings.
var meterOutput io.Writer = os.Stderr

// NewMeterManager builds the metering surface.
func NewMeterManager(enabled bool, version string, interval time.Duration, logger *slog.Logger) (*MeterManager, error) {
	if !enabled {
		return &MeterManager{
			meter:  noop.NewMeterProvider().Meter(ServiceName),
			logger: logger,
		}, nil
	}
	if interval <= 0 {
		interval = DefaultMeterInterval
	}

	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(meterOutput))
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)

	logger.Info("metering enabled", "exporter", "stdout", "interval", interval)
	return &MeterManager{
		provider: provider,
		meter:    provider.Meter(ServiceName),
		logger:   logger,
	}, nil
}

// Meter returns the meter to pass to instrumented components.
func (m *MeterManager) Meter() metric.Meter {
	return m.meter
}

// Shutdown flushes pending readings. Safe on a disabled manager.
func (m *MeterManager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}
