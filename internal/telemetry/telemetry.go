// Package telemetry provides OpenTelemetry instrumentation for fleetreaper.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/fleetreaper/internal/config"
)

const instrumentationName = "fleetreaper"

// Provider wraps OTEL tracer and meter providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	readers []sdkmetric.Reader

	// Metrics
	regionDuration      metric.Float64Histogram
	regionRuns          metric.Int64Counter
	instancesSelected   metric.Int64Counter
	instancesTerminated metric.Int64Counter
	volumesDeleted      metric.Int64Counter
}

// Option customises a Provider.
type Option func(*Provider) error

// WithReader adds a metric reader, e.g. a manual reader in tests.
func WithReader(r sdkmetric.Reader) Option {
	return func(p *Provider) error {
		p.readers = append(p.readers, r)
		return nil
	}
}

// WithPrometheus exposes metrics on reg for scraping.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(p *Provider) error {
		exp, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		p.readers = append(p.readers, exp)
		return nil
	}
}

// NewProvider creates a new telemetry provider.
func NewProvider(ctx context.Context, cfg config.OTELConfig, opts ...Option) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res); err != nil {
		if p.tracerProvider != nil {
			_ = p.tracerProvider.Shutdown(ctx)
		}
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer(instrumentationName)

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}
	for _, r := range p.readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName)

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initMetrics() error {
	var err error

	p.regionDuration, err = p.meter.Float64Histogram(
		"fleetreaper_region_run_duration_seconds",
		metric.WithDescription("Duration of one region cleanup run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create region_run_duration: %w", err)
	}

	p.regionRuns, err = p.meter.Int64Counter(
		"fleetreaper_region_runs_total",
		metric.WithDescription("Region cleanup runs by final state"),
	)
	if err != nil {
		return fmt.Errorf("create region_runs: %w", err)
	}

	p.instancesSelected, err = p.meter.Int64Counter(
		"fleetreaper_instances_selected_total",
		metric.WithDescription("Instances selected for cleanup"),
	)
	if err != nil {
		return fmt.Errorf("create instances_selected: %w", err)
	}

	p.instancesTerminated, err = p.meter.Int64Counter(
		"fleetreaper_instances_terminated_total",
		metric.WithDescription("Instances terminated"),
	)
	if err != nil {
		return fmt.Errorf("create instances_terminated: %w", err)
	}

	p.volumesDeleted, err = p.meter.Int64Counter(
		"fleetreaper_volumes_deleted_total",
		metric.WithDescription("Volumes deleted"),
	)
	if err != nil {
		return fmt.Errorf("create volumes_deleted: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// RecordRegionRun records the outcome of one region run.
func (p *Provider) RecordRegionRun(ctx context.Context, region, state string, selected, terminated, volumes int, d time.Duration) {
	regionAttr := metric.WithAttributes(attribute.String("region", region))

	p.regionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("state", state),
	))
	p.regionRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("state", state),
	))
	p.instancesSelected.Add(ctx, int64(selected), regionAttr)
	p.instancesTerminated.Add(ctx, int64(terminated), regionAttr)
	p.volumesDeleted.Add(ctx, int64(volumes), regionAttr)
}

// RecordTerminated records instances terminated outside a cleanup run.
func (p *Provider) RecordTerminated(ctx context.Context, region string, count int) {
	p.instancesTerminated.Add(ctx, int64(count), metric.WithAttributes(attribute.String("region", region)))
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
