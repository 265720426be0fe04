// Package telemetry wires OpenTelemetry meter and tracer providers and
// adapts them to the metric hooks used by sessions and mcpservice.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Exporter selects where telemetry is sent.
type Exporter string

const (
	ExporterNone   Exporter = "none"
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
)

// Config controls provider construction.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       Exporter
	// OTLPEndpoint is host:port of a collector. Empty uses the exporter's
	// default (and OTEL_EXPORTER_OTLP_* environment variables).
	OTLPEndpoint string
}

// Providers bundles the configured providers. Shutdown flushes and stops them.
type Providers struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	shutdown []func(context.Context) error
}

// Shutdown flushes pending telemetry. It is safe to call on noop providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup builds providers for cfg. ExporterNone (or "") yields noop providers.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return &Providers{
			MeterProvider:  metricnoop.NewMeterProvider(),
			TracerProvider: tracenoop.NewTracerProvider(),
		}, nil
	case ExporterStdout, ExporterOTLP:
	default:
		return nil, fmt.Errorf("unsupported telemetry exporter %q", cfg.Exporter)
	}

	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	var (
		metricExp sdkmetric.Exporter
		traceExp  sdktrace.SpanExporter
		err       error
	)
	if cfg.Exporter == ExporterStdout {
		if metricExp, err = stdoutmetric.New(); err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		if traceExp, err = stdouttrace.New(); err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
	} else {
		var mopts []otlpmetricgrpc.Option
		var topts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			mopts = append(mopts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint), otlpmetricgrpc.WithInsecure())
			topts = append(topts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		}
		if metricExp, err = otlpmetricgrpc.New(ctx, mopts...); err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		if traceExp, err = otlptracegrpc.New(ctx, topts...); err != nil {
			_ = metricExp.Shutdown(ctx)
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	return &Providers{
		MeterProvider:  mp,
		TracerProvider: tp,
		shutdown:       []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}
