package bridge

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics carries the bridge instruments. A nil *Metrics is a no-op.
type Metrics struct {
	forwarded metric.Int64Counter
	rejected  metric.Int64Counter
	skipped   metric.Int64Counter
}

// NewMetrics registers the bridge instruments on the global meter provider.
func NewMetrics() *Metrics {
	meter := otel.Meter("blackjack/bridge")
	m := &Metrics{}
	m.forwarded, _ = meter.Int64Counter("bridge.forwarded",
		metric.WithDescription("Envelopes appended to the trade plane"))
	m.rejected, _ = meter.Int64Counter("bridge.rejected",
		metric.WithDescription("Envelopes dead-lettered on re-validation"))
	m.skipped, _ = meter.Int64Counter("bridge.skipped",
		metric.WithDescription("Envelopes dropped for carrying a non-whitelisted schema"))
	return m
}

func (m *Metrics) incForwarded(ctx context.Context, stream string) {
	if m == nil || m.forwarded == nil {
		return
	}
	m.forwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

func (m *Metrics) incRejected(ctx context.Context, stream string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

func (m *Metrics) incSkipped(ctx context.Context, stream string) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}
