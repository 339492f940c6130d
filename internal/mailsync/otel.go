package mailsync

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/joshsymonds/mailwatch/internal/mailsync"

// Notification outcomes recorded on the processed counter.
const (
	outcomeAdvanced = "advanced"
	outcomeStale    = "stale"
	outcomeInvalid  = "invalid"
	outcomeFailed   = "failed"
)

// Telemetry selects the OpenTelemetry providers. Nil providers fall back to
// the global ones; a zero Telemetry records nothing.
type Telemetry struct {
	Enabled        bool
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

type instruments struct {
	enabled bool
	tracer  trace.Tracer

	notifications metric.Int64Counter
	delivered     metric.Int64Counter
	fetchLatency  metric.Float64Histogram
	renewals      metric.Int64Counter
}

func newInstruments(t Telemetry) (*instruments, error) {
	in := &instruments{enabled: t.Enabled}
	if !t.Enabled {
		return in, nil
	}
	tp := t.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	in.tracer = tp.Tracer(instrumentationName)

	mp := t.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var err error
	in.notifications, err = meter.Int64Counter(
		"mailwatch.notifications",
		metric.WithDescription("Push notifications handled, by outcome"),
	)
	if err != nil {
		return nil, err
	}
	in.delivered, err = meter.Int64Counter(
		"mailwatch.messages.delivered",
		metric.WithDescription("Messages surfaced after filtering"),
	)
	if err != nil {
		return nil, err
	}
	in.fetchLatency, err = meter.Float64Histogram(
		"mailwatch.history.duration",
		metric.WithDescription("Duration of a complete history fetch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	in.renewals, err = meter.Int64Counter(
		"mailwatch.watch.renewals",
		metric.WithDescription("Provider watch requests issued"),
	)
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (in *instruments) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !in.enabled || in.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := in.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (in *instruments) recordNotification(ctx context.Context, mailboxID, outcome string) {
	if !in.enabled {
		return
	}
	in.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mailbox", mailboxID),
		attribute.String("outcome", outcome),
	))
}

func (in *instruments) recordFetch(ctx context.Context, mailboxID string, d time.Duration, delivered int, err error) {
	if !in.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mailbox", mailboxID),
		attribute.Bool("error", err != nil),
	)
	in.fetchLatency.Record(ctx, d.Seconds(), attrs)
	if delivered > 0 {
		in.delivered.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("mailbox", mailboxID)))
	}
}

func (in *instruments) recordRenewal(ctx context.Context, mailboxID string) {
	if !in.enabled {
		return
	}
	in.renewals.Add(ctx, 1, metric.WithAttributes(attribute.String("mailbox", mailboxID)))
}
