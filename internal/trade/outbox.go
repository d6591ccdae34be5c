package trade

import (
	"context"
	"time"

	"github.com/Victor-dw/Blackjack/internal/bus"
	"github.com/Victor-dw/Blackjack/internal/observability"
	"github.com/Victor-dw/Blackjack/internal/schema"
)

// OutboxDrainer reliably moves committed lifecycle events from the store's
// outbox onto the trade plane. Delivery is at least once: a crash between
// publish and mark re-publishes the same envelope, and consumers dedup by
// event_id as usual.
type OutboxDrainer struct {
	store    Store
	producer *bus.Producer
	interval time.Duration
	batch    int
}

// NewOutboxDrainer builds a drainer publishing through the given producer,
// which must declare the trade lifecycle streams.
func NewOutboxDrainer(store Store, producer *bus.Producer, interval time.Duration) *OutboxDrainer {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &OutboxDrainer{store: store, producer: producer, interval: interval, batch: 100}
}

// DrainOnce publishes pending outbox records in sequence order, stopping at
// the first failure so ordering per intent is preserved.
func (d *OutboxDrainer) DrainOnce(ctx context.Context) (int, error) {
	pending, err := d.store.PendingOutbox(ctx, d.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, record := range pending {
		env, err := schema.Decode(record.Body)
		if err != nil {
			// A corrupt outbox record cannot be published; skip past it so
			// the queue does not wedge.
			observability.Log().Error("corrupt outbox record",
				observability.Field{Key: "seq", Value: record.Seq},
				observability.Field{Key: "error", Value: err.Error()})
			if merr := d.store.MarkOutboxSent(ctx, record.Seq); merr != nil {
				return sent, merr
			}
			continue
		}
		if _, err := d.producer.Publish(ctx, record.Stream, env); err != nil {
			return sent, err
		}
		if err := d.store.MarkOutboxSent(ctx, record.Seq); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Run drains on a fixed interval until ctx is cancelled.
func (d *OutboxDrainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Error("outbox drain failed",
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}
