// Package telemetry holds the OpenTelemetry instruments recorded by the
// task engine and the stdout exporter setup used by the command.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nhle/mailtask/engine"

// Instruments are the task engine metrics and tracer.
type Instruments struct {
	created   metric.Int64Counter
	failed    metric.Int64Counter
	cancelled metric.Int64Counter
	active    metric.Int64UpDownCounter
	duration  metric.Float64Histogram
	tracer    trace.Tracer
}

// NewInstruments creates the engine instruments. Nil providers fall back
// to the global ones, which are no-ops unless Setup ran.
func NewInstruments(mp metric.MeterProvider, tp trace.TracerProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		ins Instruments
		err error
	)
	if ins.created, err = meter.Int64Counter("mailtask.tasks.created",
		metric.WithDescription("Tasks registered with the engine"),
		metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if ins.failed, err = meter.Int64Counter("mailtask.tasks.failed",
		metric.WithDescription("Tasks whose execution recorded an error"),
		metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if ins.cancelled, err = meter.Int64Counter("mailtask.tasks.cancelled",
		metric.WithDescription("Tasks that unwound because of cancellation"),
		metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if ins.active, err = meter.Int64UpDownCounter("mailtask.tasks.active",
		metric.WithDescription("Tasks currently registered"),
		metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if ins.duration, err = meter.Float64Histogram("mailtask.tasks.execute.duration",
		metric.WithDescription("Time spent in task execution"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	ins.tracer = tp.Tracer(instrumentationName)
	return &ins, nil
}

// Registered records a task entering the active table.
func (i *Instruments) Registered(ctx context.Context) {
	if i == nil {
		return
	}
	i.created.Add(ctx, 1)
	i.active.Add(ctx, 1)
}

// Removed records a task leaving the active table.
func (i *Instruments) Removed(ctx context.Context) {
	if i == nil {
		return
	}
	i.active.Add(ctx, -1)
}

// StartExecute opens the span wrapping one execution.
func (i *Instruments) StartExecute(ctx context.Context, pool string, id uint64, label string) (context.Context, trace.Span) {
	if i == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return i.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("pool", pool),
		attribute.Int64("task.id", int64(id)),
		attribute.String("task.label", label),
	))
}

// Executed closes span and records the outcome of an execution.
func (i *Instruments) Executed(ctx context.Context, span trace.Span, pool string, d time.Duration, err error, cancelled bool) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("pool", pool))
	i.duration.Record(ctx, d.Seconds(), attrs)

	switch {
	case cancelled:
		i.cancelled.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("task.cancelled", true))
	case err != nil:
		i.failed.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Logger returns a slog logger that emits through the OpenTelemetry log
// provider.
func Logger(name string, opts ...otelslog.Option) *slog.Logger {
	return otelslog.NewLogger(name, opts...)
}
