package observer

import (
	"context"
	"time"

	plexus "github.com/plexal/plexus"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	plexuslog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedWorker wraps any WorkerPrimitive to emit OTEL spans, metrics, and
// logs around worker requests. The wrapper creates a parent span for each Run
// call; inner operations propagate through the context as child spans.
type ObservedWorker struct {
	inner plexus.WorkerPrimitive
	inst  *Instruments
}

// WrapWorker returns an instrumented WorkerPrimitive.
func WrapWorker(inner plexus.WorkerPrimitive, inst *Instruments) *ObservedWorker {
	return &ObservedWorker{inner: inner, inst: inst}
}

func (o *ObservedWorker) Create(ctx context.Context, spec plexus.InstanceSpec) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "worker.create", trace.WithAttributes(
		AttrAgentID.String(spec.AgentID),
	))
	defer span.End()

	workerID, err := o.inner.Create(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(AttrWorkerID.String(workerID))
	return workerID, nil
}

// Run wraps the inner worker's Run, emitting a worker.run span plus request
// count, duration, and token metrics.
func (o *ObservedWorker) Run(ctx context.Context, workerID string, task plexus.WorkerTask) (plexus.WorkerResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "worker.run", trace.WithAttributes(
		AttrWorkerID.String(workerID),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Run(ctx, workerID, task)
	o.finish(ctx, span, workerID, result, err, time.Since(start))
	return result, err
}

// RunStream mirrors Run for the streaming path.
func (o *ObservedWorker) RunStream(ctx context.Context, workerID string, task plexus.WorkerTask, ch chan<- string) (plexus.WorkerResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "worker.run_stream", trace.WithAttributes(
		AttrWorkerID.String(workerID),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.RunStream(ctx, workerID, task, ch)
	o.finish(ctx, span, workerID, result, err, time.Since(start))
	return result, err
}

func (o *ObservedWorker) Destroy(ctx context.Context, workerID string) error {
	ctx, span := o.inst.Tracer.Start(ctx, "worker.destroy", trace.WithAttributes(
		AttrWorkerID.String(workerID),
	))
	defer span.End()

	err := o.inner.Destroy(ctx, workerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *ObservedWorker) finish(ctx context.Context, span trace.Span, workerID string, result plexus.WorkerResult, err error, elapsed time.Duration) {
	durationMs := float64(elapsed.Milliseconds())
	status := "ok"

	if ctx.Err() != nil && err != nil {
		status = "cancelled"
		span.AddEvent("worker.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	} else if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrStatus.String(status),
		AttrTokensInput.Int(result.TokensIn),
		AttrTokensOutput.Int(result.TokensOut),
	)

	// Metrics
	attrs := metric.WithAttributes(
		AttrWorkerID.String(workerID),
		attribute.String("status", status),
	)
	o.inst.WorkerRequests.Add(ctx, 1, attrs)
	o.inst.WorkerDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrWorkerID.String(workerID),
	))
	if result.TokensIn > 0 {
		o.inst.TokenUsage.Add(ctx, int64(result.TokensIn), metric.WithAttributes(
			attribute.String("direction", "input"),
		))
	}
	if result.TokensOut > 0 {
		o.inst.TokenUsage.Add(ctx, int64(result.TokensOut), metric.WithAttributes(
			attribute.String("direction", "output"),
		))
	}

	// Structured log
	var rec plexuslog.Record
	rec.SetSeverity(plexuslog.SeverityInfo)
	rec.SetBody(plexuslog.StringValue("worker request completed"))
	rec.AddAttributes(
		plexuslog.String("worker.id", workerID),
		plexuslog.String("status", status),
		plexuslog.Int("tokens.input", result.TokensIn),
		plexuslog.Int("tokens.output", result.TokensOut),
		plexuslog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ plexus.WorkerPrimitive = (*ObservedWorker)(nil)
