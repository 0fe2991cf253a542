// Package obs provides OpenTelemetry-based observability for forge:
// distributed tracing and RED (rate/error/duration) metrics around the
// orchestrator tick, gate evaluation, and governor decisions, following
// the teacher's pkg/observability.Provider shape (SPEC_FULL.md §1.1).
package obs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
	Enabled      bool
	BatchTimeout time.Duration
}

// DefaultConfig returns the forge defaults: disabled until Enabled is set
// explicitly (an endpoint alone does not enable it), so a bare
// `forge status` run never blocks on a collector that isn't there.
func DefaultConfig() Config {
	return Config{
		ServiceName:  "sentientos-forge",
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		Enabled:      false,
		BatchTimeout: 5 * time.Second,
	}
}

// Provider manages the OpenTelemetry trace/metric providers and the
// process-wide structured logger.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	Logger         *slog.Logger

	tickCounter     metric.Int64Counter
	gateErrorCounter metric.Int64Counter
	tickDuration    metric.Float64Histogram
	activeTicks     metric.Int64UpDownCounter
}

// New creates a Provider. With Enabled=false it still wires a working
// Logger and no-op tracer/meter so callers never need to nil-check.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		config: cfg,
		Logger: slog.Default().With("component", "forge"),
	}

	if !cfg.Enabled {
		p.tracer = otel.Tracer("sentientos.forge")
		p.meter = otel.Meter("sentientos.forge")
		p.Logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("forge.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("obs: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("obs: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("sentientos.forge")
	p.meter = otel.Meter("sentientos.forge")

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("obs: init RED metrics: %w", err)
	}

	p.Logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error
	p.tickCounter, err = p.meter.Int64Counter("forge.ticks.total",
		metric.WithDescription("Total number of orchestrator ticks run"), metric.WithUnit("{tick}"))
	if err != nil {
		return err
	}
	p.gateErrorCounter, err = p.meter.Int64Counter("forge.gate_failures.total",
		metric.WithDescription("Total number of warn/fail gate verdicts"), metric.WithUnit("{gate}"))
	if err != nil {
		return err
	}
	p.tickDuration, err = p.meter.Float64Histogram("forge.tick.duration",
		metric.WithDescription("Orchestrator tick duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	p.activeTicks, err = p.meter.Int64UpDownCounter("forge.ticks.active",
		metric.WithDescription("Currently in-flight ticks"), metric.WithUnit("{tick}"))
	return err
}

// Shutdown flushes and closes the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.Logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.Logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// TrackTick starts a span + RED bookkeeping for one orchestrator tick.
// Call the returned function with the tick's terminal error (nil on success).
func (p *Provider) TrackTick(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "forge.tick", trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	if p.activeTicks != nil {
		p.activeTicks.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.tickCounter != nil {
		p.tickCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return ctx, func(err error) {
		if p.activeTicks != nil {
			p.activeTicks.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.tickDuration != nil {
			p.tickDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordGateVerdict counts a non-ok gate verdict for forge.gate_failures.total.
func (p *Provider) RecordGateVerdict(ctx context.Context, gateName, status string) {
	if p.gateErrorCounter == nil || status == "ok" || status == "skipped" {
		return
	}
	p.gateErrorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gate.name", gateName),
		attribute.String("gate.status", status),
	))
}

// StartSpan starts a named span under the forge tracer (e.g. for a single
// governor decision within a tick).
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}
