package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics carries the bus-level instruments. A nil *Metrics is a no-op so
// tests and tools can run uninstrumented.
type Metrics struct {
	published      metric.Int64Counter
	consumed       metric.Int64Counter
	duplicates     metric.Int64Counter
	retried        metric.Int64Counter
	deadLettered   metric.Int64Counter
	rejected       metric.Int64Counter
	handlerSeconds metric.Float64Histogram
}

// NewMetrics registers the bus instruments on the global meter provider.
func NewMetrics() *Metrics {
	meter := otel.Meter("blackjack/bus")
	m := &Metrics{}
	m.published, _ = meter.Int64Counter("bus.published",
		metric.WithDescription("Events appended by producers"))
	m.consumed, _ = meter.Int64Counter("bus.consumed",
		metric.WithDescription("Events acknowledged after successful handling"))
	m.duplicates, _ = meter.Int64Counter("bus.duplicates",
		metric.WithDescription("Redeliveries suppressed by the idempotency cache"))
	m.retried, _ = meter.Int64Counter("bus.retried",
		metric.WithDescription("Deliveries left pending for retry"))
	m.deadLettered, _ = meter.Int64Counter("bus.dead_lettered",
		metric.WithDescription("Events routed to a dead-letter stream"))
	m.rejected, _ = meter.Int64Counter("bus.rejected",
		metric.WithDescription("Envelopes rejected by contract validation"))
	m.handlerSeconds, _ = meter.Float64Histogram("bus.handler_seconds",
		metric.WithDescription("Handler execution time in seconds"))
	return m
}

func (m *Metrics) incPublished(ctx context.Context, stream string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

func (m *Metrics) incConsumed(ctx context.Context, stream, group string) {
	if m == nil || m.consumed == nil {
		return
	}
	m.consumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream), attribute.String("group", group)))
}

func (m *Metrics) incDuplicates(ctx context.Context, stream, group string) {
	if m == nil || m.duplicates == nil {
		return
	}
	m.duplicates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream), attribute.String("group", group)))
}

func (m *Metrics) incRetried(ctx context.Context, stream, group string) {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream), attribute.String("group", group)))
}

func (m *Metrics) incDeadLettered(ctx context.Context, stream, kind string) {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream), attribute.String("kind", kind)))
}

func (m *Metrics) incRejected(ctx context.Context, stream string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

func (m *Metrics) observeHandler(ctx context.Context, stream string, seconds float64) {
	if m == nil || m.handlerSeconds == nil {
		return
	}
	m.handlerSeconds.Record(ctx, seconds, metric.WithAttributes(attribute.String("stream", stream)))
}
