package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/observability"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
	"github.com/Victor-dw/Blackjack/lib/async"
)

// Handler processes one validated envelope. Returning nil acknowledges the
// delivery; wrap failures with Retryable or Fatal to steer redelivery.
type Handler func(ctx context.Context, env *schema.Envelope) error

// Retryable marks a handler failure that may succeed on redelivery.
func Retryable(msg string, cause error) error {
	return errs.New("bus/handler", errs.CodeHandlerRetryable,
		errs.WithMessage(msg), errs.WithCause(cause))
}

// Fatal marks a handler failure that must not be retried; the event goes
// straight to the dead-letter stream.
func Fatal(msg string, cause error) error {
	return errs.New("bus/handler", errs.CodeHandlerFatal,
		errs.WithMessage(msg), errs.WithCause(cause))
}

// ConsumerConfig describes one consumer-group subscription.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	Handler  Handler

	// Start selects where a freshly created group begins; defaults to the
	// beginning of the stream.
	Start streamlog.StartPosition

	// MaxAttempts bounds deliveries per event before dead-lettering.
	MaxAttempts int
	// Concurrency is the handler worker width.
	Concurrency int
	// BatchSize bounds entries fetched per group read.
	BatchSize int
	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration
	// VisibilityTimeout is how long a pending delivery may sit unacked
	// before another consumer claims it.
	VisibilityTimeout time.Duration
	// BlockInterval is how long a group read blocks waiting for entries.
	BlockInterval time.Duration
	// IdempotencyTTL bounds how long processed event ids are remembered.
	IdempotencyTTL time.Duration
	// ShutdownGrace bounds how long in-flight handlers may run after the
	// consumer is told to stop.
	ShutdownGrace time.Duration
}

func (cfg *ConsumerConfig) applyDefaults() {
	if cfg.Start == "" {
		cfg.Start = streamlog.StartBeginning
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency * 2
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
}

// Consumer runs one consumer-group subscription: group reads, idempotent
// dispatch through a bounded worker pool, claim of stale pending entries, and
// dead-lettering of poison events.
type Consumer struct {
	cfg      ConsumerConfig
	log      streamlog.Log
	registry *schema.Registry
	idem     IdempotencyStore
	metrics  *Metrics
}

// NewConsumer validates the subscription and builds the consumer.
func NewConsumer(cfg ConsumerConfig, log streamlog.Log, registry *schema.Registry, idem IdempotencyStore, metrics *Metrics) (*Consumer, error) {
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, errs.New("bus/consumer", errs.CodeInvalid,
			errs.WithMessage("stream, group and consumer are required"))
	}
	if cfg.Handler == nil {
		return nil, errs.New("bus/consumer", errs.CodeInvalid,
			errs.WithMessage("handler is required"), errs.WithStream(cfg.Stream))
	}
	cfg.applyDefaults()
	return &Consumer{cfg: cfg, log: log, registry: registry, idem: idem, metrics: metrics}, nil
}

// Run processes the subscription until ctx is cancelled. In-flight handlers
// finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.log.CreateGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Start); err != nil {
		return err
	}

	workers, err := async.NewPool(c.cfg.Concurrency, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	defer func() {
		grace, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
		defer cancel()
		if serr := workers.Shutdown(grace); serr != nil {
			observability.Log().Error("consumer pool shutdown timed out",
				observability.Field{Key: "stream", Value: c.cfg.Stream},
				observability.Field{Key: "error", Value: serr.Error()})
		}
	}()

	claimBackoff := backoff.NewExponentialBackOff()
	claimBackoff.InitialInterval = 250 * time.Millisecond
	claimBackoff.MaxInterval = c.cfg.VisibilityTimeout

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		entries, err := c.log.GroupRead(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.BlockInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observability.Log().Error("group read failed",
				observability.Field{Key: "stream", Value: c.cfg.Stream},
				observability.Field{Key: "error", Value: err.Error()})
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		if len(entries) == 0 {
			claimed, cerr := c.log.ClaimStale(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.VisibilityTimeout, c.cfg.BatchSize)
			if cerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				observability.Log().Error("claim stale failed",
					observability.Field{Key: "stream", Value: c.cfg.Stream},
					observability.Field{Key: "error", Value: cerr.Error()})
			}
			if len(claimed) == 0 {
				if !sleepCtx(ctx, claimBackoff.NextBackOff()) {
					return nil
				}
				continue
			}
			claimBackoff.Reset()
			entries = claimed
		} else {
			claimBackoff.Reset()
		}

		var inflight sync.WaitGroup
		for _, entry := range entries {
			inflight.Add(1)
			if err := workers.Submit(ctx, func(context.Context) error {
				defer inflight.Done()
				c.process(ctx, entry)
				return nil
			}); err != nil {
				// Cancelled mid-batch; the entry stays pending for claim.
				inflight.Done()
			}
		}
		inflight.Wait()
	}
}

func (c *Consumer) process(ctx context.Context, entry streamlog.Entry) {
	env, err := schema.Decode(entry.Body)
	if err == nil {
		err = c.registry.Validate(env)
	}
	if err != nil {
		c.metrics.incRejected(ctx, c.cfg.Stream)
		c.rejectInvalid(ctx, env, entry, err)
		return
	}

	first, err := c.idem.FirstSight(ctx, c.cfg.Group, env.EventID, c.cfg.IdempotencyTTL)
	if err != nil {
		// Cache unreachable: leave the delivery pending so claim retries it.
		observability.Log().Error("idempotency check failed",
			observability.Field{Key: "stream", Value: c.cfg.Stream},
			observability.Field{Key: "event_id", Value: env.EventID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if !first {
		c.metrics.incDuplicates(ctx, c.cfg.Stream, c.cfg.Group)
		c.ack(ctx, entry.Offset)
		return
	}

	attempts, err := c.idem.IncrAttempts(ctx, c.cfg.Group, env.EventID, c.cfg.IdempotencyTTL)
	if err != nil {
		attempts = 1
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	started := time.Now()
	herr := c.cfg.Handler(hctx, env)
	cancel()
	c.metrics.observeHandler(ctx, c.cfg.Stream, time.Since(started).Seconds())

	if herr == nil {
		if cerr := c.idem.Complete(ctx, c.cfg.Group, env.EventID, "processed", c.cfg.IdempotencyTTL); cerr != nil {
			observability.Log().Error("idempotency complete failed",
				observability.Field{Key: "event_id", Value: env.EventID},
				observability.Field{Key: "error", Value: cerr.Error()})
		}
		c.ack(ctx, entry.Offset)
		c.metrics.incConsumed(ctx, c.cfg.Stream, c.cfg.Group)
		return
	}

	fatal := errs.HasCode(herr, errs.CodeHandlerFatal)
	if !fatal && attempts < c.cfg.MaxAttempts {
		// Release the reservation and leave the entry pending; it comes
		// back through claim after the visibility timeout.
		if rerr := c.idem.Release(ctx, c.cfg.Group, env.EventID); rerr != nil {
			observability.Log().Error("idempotency release failed",
				observability.Field{Key: "event_id", Value: env.EventID},
				observability.Field{Key: "error", Value: rerr.Error()})
		}
		c.metrics.incRetried(ctx, c.cfg.Stream, c.cfg.Group)
		observability.Log().Info("handler failed, leaving for retry",
			observability.Field{Key: "stream", Value: c.cfg.Stream},
			observability.Field{Key: "event_id", Value: env.EventID},
			observability.Field{Key: "attempt", Value: attempts},
			observability.Field{Key: "error", Value: herr.Error()})
		return
	}

	kind := KindRetryExhausted
	if fatal {
		kind = KindHandlerFatal
	}
	if c.deadLetter(ctx, env, entry, kind, herr.Error(), attempts) {
		if cerr := c.idem.Complete(ctx, c.cfg.Group, env.EventID, "dead_lettered", c.cfg.IdempotencyTTL); cerr != nil {
			observability.Log().Error("idempotency complete failed",
				observability.Field{Key: "event_id", Value: env.EventID},
				observability.Field{Key: "error", Value: cerr.Error()})
		}
		c.ack(ctx, entry.Offset)
	} else if rerr := c.idem.Release(ctx, c.cfg.Group, env.EventID); rerr != nil {
		observability.Log().Error("idempotency release failed",
			observability.Field{Key: "event_id", Value: env.EventID},
			observability.Field{Key: "error", Value: rerr.Error()})
	}
}

// rejectInvalid handles an entry that failed decode or contract validation.
// On a regular stream the entry is dead-lettered; dead-letter streams never
// get a dead letter of their own, so a poison DLQ entry is logged and dropped.
func (c *Consumer) rejectInvalid(ctx context.Context, env *schema.Envelope, entry streamlog.Entry, verr error) {
	kind := string(schema.KindPayloadInvalid)
	var v *schema.ValidationError
	if errors.As(verr, &v) {
		kind = string(v.Kind)
	}
	if schema.IsDLQSchema(c.cfg.Stream) {
		observability.Log().Error("dropping invalid dead-letter entry",
			observability.Field{Key: "stream", Value: c.cfg.Stream},
			observability.Field{Key: "offset", Value: string(entry.Offset)},
			observability.Field{Key: "error", Value: verr.Error()})
		c.ack(ctx, entry.Offset)
		return
	}
	if c.deadLetter(ctx, env, entry, kind, verr.Error(), 0) {
		c.ack(ctx, entry.Offset)
	}
}

// deadLetter wraps and appends the entry to dlq.<stream>. Returns false when
// the append failed, in which case the entry stays pending for another try.
func (c *Consumer) deadLetter(ctx context.Context, env *schema.Envelope, entry streamlog.Entry, kind, detail string, attempts int) bool {
	wrapped := WrapDeadLetter(env, entry.Body, c.cfg.Stream, entry.Offset, kind, detail, attempts)
	body, err := schema.Encode(wrapped)
	if err == nil {
		_, err = c.log.Append(ctx, schema.DLQStream(c.cfg.Stream), body)
	}
	if err != nil {
		observability.Log().Error("dead letter append failed",
			observability.Field{Key: "stream", Value: c.cfg.Stream},
			observability.Field{Key: "offset", Value: string(entry.Offset)},
			observability.Field{Key: "error", Value: err.Error()})
		return false
	}
	c.metrics.incDeadLettered(ctx, c.cfg.Stream, kind)
	observability.Log().Info("event dead-lettered",
		observability.Field{Key: "stream", Value: c.cfg.Stream},
		observability.Field{Key: "offset", Value: string(entry.Offset)},
		observability.Field{Key: "kind", Value: kind})
	return true
}

func (c *Consumer) ack(ctx context.Context, offset streamlog.Offset) {
	if err := c.log.Ack(ctx, c.cfg.Stream, c.cfg.Group, offset); err != nil {
		observability.Log().Error("ack failed",
			observability.Field{Key: "stream", Value: c.cfg.Stream},
			observability.Field{Key: "offset", Value: string(offset)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
