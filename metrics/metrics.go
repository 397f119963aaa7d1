// Package metrics exports pipeline metrics to an OpenTelemetry collector.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	Endpoint     string
	PushInterval time.Duration
	Insecure     bool
}

// Metrics records pipeline activity. A nil *Metrics is a valid no-op
// recorder, so callers never need to branch on whether export is enabled.
type Metrics struct {
	meterProvider *sdkmetric.MeterProvider

	runsStarted   metric.Int64Counter
	runsSucceeded metric.Int64Counter
	runsFailed    metric.Int64Counter
	runDuration   metric.Float64Histogram
	queueDepth    metric.Int64UpDownCounter
}

// New creates a metrics recorder pushing to an OTLP collector.
func New(ctx context.Context, serviceVersion string, config Config) (*Metrics, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("coverage-processor"),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(config.PushInterval))),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter("coverage-processor")

	m := &Metrics{meterProvider: meterProvider}

	if m.runsStarted, err = meter.Int64Counter("coverage_processor_runs_started",
		metric.WithDescription("Pipeline runs started"),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.runsSucceeded, err = meter.Int64Counter("coverage_processor_runs_succeeded",
		metric.WithDescription("Pipeline runs completed successfully"),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.runsFailed, err = meter.Int64Counter("coverage_processor_runs_failed",
		metric.WithDescription("Pipeline runs that failed, labeled by step"),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram("coverage_processor_run_duration_seconds",
		metric.WithDescription("End-to-end pipeline run duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64UpDownCounter("coverage_processor_queue_depth",
		metric.WithDescription("Jobs waiting in the run queue"),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}

	return m, nil
}

// RunStarted records a new pipeline run.
func (m *Metrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1)
}

// RunSucceeded records a completed run with its duration.
func (m *Metrics) RunSucceeded(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsSucceeded.Add(ctx, 1)
	m.runDuration.Record(ctx, duration.Seconds())
}

// RunFailed records a failed run labeled by the step that failed.
func (m *Metrics) RunFailed(ctx context.Context, step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
	m.runDuration.Record(ctx, duration.Seconds())
}

// QueueDepthAdd adjusts the queue depth gauge.
func (m *Metrics) QueueDepthAdd(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, delta)
}

// Shutdown flushes pending metrics and stops the exporter.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.meterProvider == nil {
		return nil
	}
	return m.meterProvider.Shutdown(ctx)
}
