// Package bridge is the one-way forwarder between the compute plane and the
// trade plane. It is the only process holding credentials for both stores:
// it reads a whitelist of approval streams from the compute plane,
// re-validates every envelope, and appends valid ones verbatim to the
// identically named trade-plane stream.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/pool"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/bus"
	"github.com/Victor-dw/Blackjack/internal/observability"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
)

// Group is the bridge's fixed consumer-group name on the compute plane.
const Group = "trade-bridge"

// Config tunes the forwarder.
type Config struct {
	// Whitelist lists the compute-plane streams to forward. Defaults to
	// exactly the approved-order stream.
	Whitelist []string
	// AllowNonApproval permits whitelist entries beyond the approved-order
	// stream. The override is logged at startup.
	AllowNonApproval bool

	Consumer          string
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BlockInterval     time.Duration
	VisibilityTimeout time.Duration
	BatchSize         int
}

func (cfg *Config) applyDefaults() {
	if len(cfg.Whitelist) == 0 {
		cfg.Whitelist = []string{schema.RiskOrderApprovedV1}
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "bridge-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
}

// Bridge forwards whitelisted envelopes from the compute plane to the trade
// plane. It is stateless beyond its consumer-group cursor; event ids are
// preserved verbatim so trade-plane consumers dedup as usual.
type Bridge struct {
	cfg      Config
	compute  streamlog.Log
	trade    streamlog.Log
	registry *schema.Registry
	metrics  *Metrics
}

// New validates the whitelist and builds the bridge. Non-approval whitelist
// entries are rejected unless explicitly overridden.
func New(compute, trade streamlog.Log, registry *schema.Registry, cfg Config, metrics *Metrics) (*Bridge, error) {
	cfg.applyDefaults()
	for _, stream := range cfg.Whitelist {
		if stream == schema.RiskOrderApprovedV1 {
			continue
		}
		if !cfg.AllowNonApproval {
			return nil, errs.New("bridge", errs.CodeInvalid,
				errs.WithMessage("whitelist entry is not an approval stream"),
				errs.WithStream(stream))
		}
		observability.Log().Info("bridge whitelist override accepted",
			observability.Field{Key: "stream", Value: stream})
	}
	return &Bridge{cfg: cfg, compute: compute, trade: trade, registry: registry, metrics: metrics}, nil
}

// Whitelist returns the effective whitelist.
func (b *Bridge) Whitelist() []string {
	out := make([]string, len(b.cfg.Whitelist))
	copy(out, b.cfg.Whitelist)
	return out
}

// Run forwards until ctx is cancelled, one loop per whitelisted stream.
func (b *Bridge) Run(ctx context.Context) error {
	observability.Log().Info("bridge starting",
		observability.Field{Key: "whitelist", Value: b.cfg.Whitelist})
	runners := pool.New().WithErrors().WithContext(ctx)
	for _, stream := range b.cfg.Whitelist {
		runners.Go(func(ctx context.Context) error {
			return b.forwardLoop(ctx, stream)
		})
	}
	return runners.Wait()
}

func (b *Bridge) forwardLoop(ctx context.Context, stream string) error {
	if err := b.compute.CreateGroup(ctx, stream, Group, streamlog.StartBeginning); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		entries, err := b.compute.GroupRead(ctx, stream, Group, b.cfg.Consumer, b.cfg.BatchSize, b.cfg.BlockInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observability.Log().Error("bridge group read failed",
				observability.Field{Key: "stream", Value: stream},
				observability.Field{Key: "error", Value: err.Error()})
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(entries) == 0 {
			claimed, cerr := b.compute.ClaimStale(ctx, stream, Group, b.cfg.Consumer, b.cfg.VisibilityTimeout, b.cfg.BatchSize)
			if cerr != nil && ctx.Err() == nil {
				observability.Log().Error("bridge claim failed",
					observability.Field{Key: "stream", Value: stream},
					observability.Field{Key: "error", Value: cerr.Error()})
			}
			entries = claimed
		}
		for _, entry := range entries {
			b.forward(ctx, stream, entry)
		}
	}
}

// forward handles one compute-plane entry end to end: re-validate, then
// either dead-letter on the compute plane or append verbatim to the trade
// plane with bounded retries.
func (b *Bridge) forward(ctx context.Context, stream string, entry streamlog.Entry) {
	env, err := schema.Decode(entry.Body)
	if err == nil {
		err = b.registry.Validate(env)
	}
	if err != nil {
		b.deadLetter(ctx, stream, entry, env, err)
		return
	}
	if env.Schema != stream {
		// Defensive: a decodable envelope carrying a foreign schema is not
		// forwarded; the trade plane only ever sees whitelisted schemas.
		b.metrics.incSkipped(ctx, stream)
		observability.Log().Error("bridge skipping envelope with foreign schema",
			observability.Field{Key: "stream", Value: stream},
			observability.Field{Key: "schema", Value: env.Schema},
			observability.Field{Key: "event_id", Value: env.EventID})
		b.ack(ctx, stream, entry.Offset)
		return
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = b.cfg.BackoffBase
	expo.MaxInterval = b.cfg.BackoffCap
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if _, lastErr = b.trade.Append(ctx, stream, entry.Body); lastErr == nil {
			b.metrics.incForwarded(ctx, stream)
			b.ack(ctx, stream, entry.Offset)
			return
		}
		if ctx.Err() != nil {
			// Shutdown mid-retry: leave the entry pending for the next run.
			return
		}
		observability.Log().Error("trade plane append failed",
			observability.Field{Key: "stream", Value: stream},
			observability.Field{Key: "event_id", Value: env.EventID},
			observability.Field{Key: "attempt", Value: attempt},
			observability.Field{Key: "error", Value: lastErr.Error()})
		if attempt < b.cfg.MaxAttempts {
			sleepCtx(ctx, expo.NextBackOff())
		}
	}
	wrapped := bus.WrapDeadLetter(env, entry.Body, stream, entry.Offset,
		bus.KindRetryExhausted, lastErr.Error(), b.cfg.MaxAttempts)
	b.appendDeadLetter(ctx, stream, entry, wrapped)
}

func (b *Bridge) deadLetter(ctx context.Context, stream string, entry streamlog.Entry, env *schema.Envelope, verr error) {
	b.metrics.incRejected(ctx, stream)
	kind := string(schema.KindPayloadInvalid)
	var v *schema.ValidationError
	if errors.As(verr, &v) {
		kind = string(v.Kind)
	}
	wrapped := bus.WrapDeadLetter(env, entry.Body, stream, entry.Offset, kind, verr.Error(), 0)
	b.appendDeadLetter(ctx, stream, entry, wrapped)
}

func (b *Bridge) appendDeadLetter(ctx context.Context, stream string, entry streamlog.Entry, wrapped *schema.Envelope) {
	body, err := schema.Encode(wrapped)
	if err == nil {
		_, err = b.compute.Append(ctx, schema.DLQStream(stream), body)
	}
	if err != nil {
		observability.Log().Error("bridge dead letter append failed",
			observability.Field{Key: "stream", Value: stream},
			observability.Field{Key: "offset", Value: string(entry.Offset)},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	b.ack(ctx, stream, entry.Offset)
}

func (b *Bridge) ack(ctx context.Context, stream string, offset streamlog.Offset) {
	if err := b.compute.Ack(ctx, stream, Group, offset); err != nil {
		observability.Log().Error("bridge ack failed",
			observability.Field{Key: "stream", Value: stream},
			observability.Field{Key: "offset", Value: string(offset)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
