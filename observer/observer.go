// Package observer provides OTEL-based observability for Plexus orchestration.
//
// It wraps WorkerPrimitive with an instrumented version and bridges runtime
// lifecycle events onto metrics via an EventBus hook. Telemetry is emitted
// through OpenTelemetry; users export to any OTEL-compatible backend by
// setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	plexuslog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/plexal/plexus/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger plexuslog.Logger

	// Counters
	WorkerRequests     metric.Int64Counter
	TokenUsage         metric.Int64Counter
	RouteRequests      metric.Int64Counter
	NodeExecutions     metric.Int64Counter
	ScaleEvents        metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	HealthTransitions  metric.Int64Counter

	// Gauges
	Instances metric.Int64UpDownCounter

	// Histograms
	WorkerDuration    metric.Float64Histogram
	NodeDuration      metric.Float64Histogram
	ExecutionDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("plexus")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := NewInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

// NewInstruments creates instruments from the global OTEL providers. Useful
// in tests where no exporter is configured; the global no-op providers make
// every instrument a no-op.
func NewInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	workerRequests, err := meter.Int64Counter("worker.requests",
		metric.WithDescription("Worker request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	tokenUsage, err := meter.Int64Counter("worker.token.usage",
		metric.WithDescription("Total tokens consumed by workers"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	routeRequests, err := meter.Int64Counter("route.requests",
		metric.WithDescription("Dispatch attempts through the balancer"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	nodeExecutions, err := meter.Int64Counter("dag.node.executions",
		metric.WithDescription("DAG node completion count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	scaleEvents, err := meter.Int64Counter("pool.scale.events",
		metric.WithDescription("Scale-up and scale-down decisions"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	breakerTransitions, err := meter.Int64Counter("route.breaker.transitions",
		metric.WithDescription("Circuit breaker open/close transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}

	healthTransitions, err := meter.Int64Counter("health.transitions",
		metric.WithDescription("Instance health status transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}

	instances, err := meter.Int64UpDownCounter("pool.instances",
		metric.WithDescription("Live instance count"),
		metric.WithUnit("{instance}"))
	if err != nil {
		return nil, err
	}

	workerDuration, err := meter.Float64Histogram("worker.duration",
		metric.WithDescription("Worker request duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	nodeDuration, err := meter.Float64Histogram("dag.node.duration",
		metric.WithDescription("DAG node execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	executionDuration, err := meter.Float64Histogram("dag.execution.duration",
		metric.WithDescription("Full DAG execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		WorkerRequests:     workerRequests,
		TokenUsage:         tokenUsage,
		RouteRequests:      routeRequests,
		NodeExecutions:     nodeExecutions,
		ScaleEvents:        scaleEvents,
		BreakerTransitions: breakerTransitions,
		HealthTransitions:  healthTransitions,
		Instances:          instances,
		WorkerDuration:     workerDuration,
		NodeDuration:       nodeDuration,
		ExecutionDuration:  executionDuration,
	}, nil
}
