// Package otel sets up tracing and metrics for the daemon. A disabled
// Provider hands out no-op instruments so callers never branch on it.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Scope is the instrumentation scope of every tracer and meter.
const Scope = "github.com/fentz26/lockwarden"

// Version is reported as service.version.
const Version = "v0.3.0"

// Exporter names accepted in Config.Exporter.
const (
	ExporterOTLP   = "otlp-http"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

const defaultEndpoint = "localhost:4318"

// Config is the telemetry section of the daemon config.
type Config struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter    string  `mapstructure:"exporter" yaml:"exporter"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

func (c Config) normalized() Config {
	if c.Exporter == "" {
		c.Exporter = ExporterOTLP
	}
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	if c.ServiceName == "" {
		c.ServiceName = "lockwarden"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1
	}
	return c
}

// Provider hands out the daemon's tracer and meter.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
}

// Noop returns a provider whose instruments record nothing.
func Noop() *Provider {
	return &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(Scope),
		Meter:  noop.NewMeterProvider().Meter(Scope),
	}
}

// Init builds a provider from cfg and installs its tracer provider as the
// global one. Call Shutdown before exit to flush buffered spans.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	cfg = cfg.normalized()

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(Version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exp, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	// "none" still samples so span contexts propagate, but nothing leaves
	// the process.
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetTracerProvider(tp)

	return &Provider{
		Tracer:  tp.Tracer(Scope),
		Meter:   mp.Meter(Scope),
		traces:  tp,
		metrics: mp,
	}, nil
}

// Enabled reports whether the provider exports anything.
func (p *Provider) Enabled() bool {
	return p.traces != nil
}

// Shutdown flushes pending spans and stops both SDK providers. It is a no-op
// for a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	if p.metrics != nil {
		errs = append(errs, p.metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// spanExporter returns nil for ExporterNone.
func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterNone:
		return nil, nil
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter for %s: %w", cfg.Endpoint, err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("unknown telemetry exporter %q (want %s, %s or %s)",
		cfg.Exporter, ExporterOTLP, ExporterStdout, ExporterNone)
}
