// Package telemetry wires optional OpenTelemetry providers. Both signals
// default off; when enabled they export to stdout, which is enough for the
// bridge's single-process deployments and keeps the dependency surface flat.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config toggles the two signals independently.
type Config struct {
	TracesEnabled  bool
	MetricsEnabled bool
	// ServiceName labels exported data. Default "mcpwire".
	ServiceName string
	// MetricInterval is the periodic reader interval. Default 60s.
	MetricInterval time.Duration
}

// Providers holds whatever was enabled plus its shutdown hooks.
type Providers struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger
}

// Setup builds and globally registers the enabled providers. With both
// signals off it returns an empty Providers whose Shutdown is a no-op.
func Setup(cfg Config, logger *slog.Logger) (*Providers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mcpwire"
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = 60 * time.Second
	}

	p := &Providers{logger: logger}
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName))

	if cfg.TracesEnabled {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(p.tracerProvider)
		logger.Info("trace export enabled", "exporter", "stdout")
	}

	if cfg.MetricsEnabled {
		exp, err := stdoutmetric.New()
		if err != nil {
			p.shutdownTraces()
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
				sdkmetric.WithInterval(cfg.MetricInterval))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(p.meterProvider)
		logger.Info("metric export enabled", "exporter", "stdout", "interval", cfg.MetricInterval)
	}
	return p, nil
}

// Shutdown flushes and stops whatever Setup enabled.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Providers) shutdownTraces() {
	if p.tracerProvider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		p.logger.Warn("failed to shut down tracer provider", "error", err)
	}
}
