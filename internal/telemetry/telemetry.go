// Package telemetry provides OpenTelemetry instrumentation for keel.
package telemetry

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/keel/internal/config"
)

const instrumentation = "github.com/yairfalse/keel"

// Outcomes recorded on plan and provision metrics.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
)

// Provider wraps OTEL tracer and meter providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	// Prometheus textfile sink, written on Shutdown.
	registry *promclient.Registry
	textfile string

	// Metrics
	plans             metric.Int64Counter
	provisionDuration metric.Float64Histogram
	provisionFailures metric.Int64Counter
	destroys          metric.Int64Counter
}

// NewProvider creates a new telemetry provider. Exporters are only created
// when an endpoint is configured and the signal is enabled.
func NewProvider(ctx context.Context, cfg config.OTELConfig) (*Provider, error) {
	return newProvider(ctx, cfg)
}

func newProvider(ctx context.Context, cfg config.OTELConfig, readers ...sdkmetric.Reader) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res, readers); err != nil {
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
	p.tracer = p.tracerProvider.Tracer(instrumentation)

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, readers []sdkmetric.Reader) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}
	if cfg.Metrics.Textfile != "" {
		p.registry = promclient.NewRegistry()
		exp, err := prometheus.New(prometheus.WithRegisterer(p.registry))
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		p.textfile = cfg.Metrics.Textfile
		opts = append(opts, sdkmetric.WithReader(exp))
	}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentation)

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

	p.plans, err = p.meter.Int64Counter(
		"keel_plans_total",
		metric.WithDescription("Plans assembled, by outcome"),
	)
	if err != nil {
		return fmt.Errorf("create plans: %w", err)
	}

	p.provisionDuration, err = p.meter.Float64Histogram(
		"keel_provision_duration_seconds",
		metric.WithDescription("Duration of provisioning runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create provision_duration: %w", err)
	}

	p.provisionFailures, err = p.meter.Int64Counter(
		"keel_provision_failures_total",
		metric.WithDescription("Provisioning failures, by failed operation"),
	)
	if err != nil {
		return fmt.Errorf("create provision_failures: %w", err)
	}

	p.destroys, err = p.meter.Int64Counter(
		"keel_destroys_total",
		metric.WithDescription("Stack teardowns, by outcome"),
	)
	if err != nil {
		return fmt.Errorf("create destroys: %w", err)
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
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordPlan counts an assembly attempt.
func (p *Provider) RecordPlan(ctx context.Context, stackName, outcome string) {
	p.plans.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stack", stackName),
		attribute.String("outcome", outcome),
	))
}

// RecordProvision records how long a provisioning run took.
func (p *Provider) RecordProvision(ctx context.Context, region, outcome string, d time.Duration) {
	p.provisionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("outcome", outcome),
	))
}

// RecordProvisionFailure counts a failed engine operation.
func (p *Provider) RecordProvisionFailure(ctx context.Context, region, op string) {
	p.provisionFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("op", op),
	))
}

// RecordDestroy counts a teardown.
func (p *Provider) RecordDestroy(ctx context.Context, stackName, outcome string) {
	p.destroys.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stack", stackName),
		attribute.String("outcome", outcome),
	))
}

// Shutdown flushes and shuts down the providers. With a textfile configured
// the current metrics are written there first for node_exporter to collect.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.registry != nil {
		if err := promclient.WriteToTextfile(p.textfile, p.registry); err != nil {
			return fmt.Errorf("write metrics textfile: %w", err)
		}
	}
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
