// Package executor is the mechanical execution stage: it consumes approved
// orders from the trade plane, drives them through the submission state
// machine, and reports the outcome back onto the compute plane for the
// post-mortem stage.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/bus"
	"github.com/Victor-dw/Blackjack/internal/observability"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
	"github.com/Victor-dw/Blackjack/internal/trade"
)

// Group is the executor's consumer group on the trade plane.
const Group = "executor"

// Config tunes the executor's trade-plane subscription.
type Config struct {
	Consumer          string
	MaxAttempts       int
	Concurrency       int
	HandlerTimeout    time.Duration
	VisibilityTimeout time.Duration
	BlockInterval     time.Duration
	IdempotencyTTL    time.Duration
	BrokerName        string
}

// Executor hosts the approval-to-submission flow.
type Executor struct {
	machine  *trade.Machine
	consumer *bus.Consumer
	producer *bus.Producer
	broker   string
}

// New builds an executor reading approvals from the trade plane and emitting
// execution results to the compute plane.
func New(tradeLog, computeLog streamlog.Log, registry *schema.Registry, idem bus.IdempotencyStore, machine *trade.Machine, cfg Config, metrics *bus.Metrics) (*Executor, error) {
	if cfg.Consumer == "" {
		cfg.Consumer = "executor-1"
	}
	if cfg.BrokerName == "" {
		cfg.BrokerName = "sim"
	}

	e := &Executor{machine: machine, broker: cfg.BrokerName}
	e.producer = bus.NewProducer(computeLog, registry,
		[]string{schema.ExecutionOrderExecutedV1, schema.ExecutionOrderFailedV1},
		bus.WithSourceService(Group), bus.WithProducerMetrics(metrics))

	consumer, err := bus.NewConsumer(bus.ConsumerConfig{
		Stream:            schema.RiskOrderApprovedV1,
		Group:             Group,
		Consumer:          cfg.Consumer,
		Handler:           e.handle,
		MaxAttempts:       cfg.MaxAttempts,
		Concurrency:       cfg.Concurrency,
		HandlerTimeout:    cfg.HandlerTimeout,
		VisibilityTimeout: cfg.VisibilityTimeout,
		BlockInterval:     cfg.BlockInterval,
		IdempotencyTTL:    cfg.IdempotencyTTL,
	}, tradeLog, registry, idem, metrics)
	if err != nil {
		return nil, err
	}
	e.consumer = consumer
	return e, nil
}

// Run consumes approvals until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	return e.consumer.Run(ctx)
}

// handle drives one approval through the machine. The approval's event_id is
// the intent id, so a redelivered approval replays against the inbox instead
// of creating a second intent.
func (e *Executor) handle(ctx context.Context, env *schema.Envelope) error {
	approval, err := approvalFromEnvelope(env)
	if err != nil {
		return bus.Fatal("malformed approval", err)
	}

	state, _, err := e.machine.HandleApproval(ctx, approval)
	if err != nil {
		return bus.Retryable("intent entry failed", err)
	}
	if state == trade.StateRejected {
		return e.report(ctx, env, approval, schema.ExecutionOrderFailedV1, "REJECTED", decimal.Zero, decimal.Zero)
	}

	if state == trade.StateRiskApproved || state == trade.StateSubmitting {
		if err := e.machine.Submit(ctx, approval.IntentID); err != nil {
			switch {
			case errs.HasCode(err, errs.CodeLeaseLost):
				// Another worker holds the intent; it will report the result.
				return nil
			case errs.HasCode(err, errs.CodeFillConflict):
				return bus.Fatal("intent halted on fill conflict", err)
			case errs.HasCode(err, errs.CodeConflict):
				// Already past submission; fall through and report the
				// recorded state.
			default:
				return bus.Retryable("submission failed", err)
			}
		}
		state, err = e.machine.IntentState(ctx, approval.IntentID)
		if err != nil {
			return bus.Retryable("intent state lookup failed", err)
		}
	}

	switch state {
	case trade.StateSubmitted, trade.StatePartiallyFilled, trade.StateFilled:
		return e.report(ctx, env, approval, schema.ExecutionOrderExecutedV1, string(state), approval.Qty, approval.Price)
	case trade.StateRejected:
		return e.report(ctx, env, approval, schema.ExecutionOrderFailedV1, "REJECTED", decimal.Zero, decimal.Zero)
	case trade.StateSubmitUnknown:
		// The reconciler owns this intent now; do not guess an outcome.
		observability.Log().Info("submission outcome unknown, deferring to reconciler",
			observability.Field{Key: "intent_id", Value: approval.IntentID})
		return nil
	default:
		return nil
	}
}

func (e *Executor) report(ctx context.Context, env *schema.Envelope, approval trade.Approval, stream, status string, qty, price decimal.Decimal) error {
	filled, _ := qty.Abs().Float64()
	avg, _ := price.Float64()
	orderID := approval.IntentID
	if order, ok := approval.Snapshot["order"].(map[string]any); ok {
		if id, ok := order["order_id"].(string); ok && id != "" {
			orderID = id
		}
	}
	out := schema.NewEnvelope(stream, env.TraceID, map[string]any{
		"order_id":   orderID,
		"symbol":     approval.Symbol,
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"status":     status,
		"filled_qty": filled,
		"avg_price":  avg,
		"broker":     e.broker,
	})
	if _, err := e.producer.Publish(ctx, stream, out); err != nil {
		return bus.Retryable("execution report publish failed", err)
	}
	return nil
}

// approvalFromEnvelope maps a risk.order.approved.v1 payload onto the
// submission machine's entry type.
func approvalFromEnvelope(env *schema.Envelope) (trade.Approval, error) {
	p := env.Payload
	symbol, ok := p["symbol"].(string)
	if !ok {
		return trade.Approval{}, fmt.Errorf("symbol missing")
	}
	canTrade, ok := p["can_trade"].(bool)
	if !ok {
		return trade.Approval{}, fmt.Errorf("can_trade missing")
	}
	frac, ok := p["final_position_frac"].(float64)
	if !ok {
		return trade.Approval{}, fmt.Errorf("final_position_frac missing")
	}
	reason, _ := p["reason"].(string)

	side := "BUY"
	if frac < 0 {
		side = "SELL"
	}
	qty := decimal.Zero
	price := decimal.Zero
	if order, ok := p["order"].(map[string]any); ok {
		if s, ok := order["side"].(string); ok && s != "" {
			side = s
		}
		if q, ok := order["qty"].(float64); ok {
			qty = decimal.NewFromFloat(q)
		}
		if px, ok := order["price"].(float64); ok {
			price = decimal.NewFromFloat(px)
		}
	}
	if qty.IsZero() {
		qty = decimal.NewFromFloat(frac).Abs().Mul(decimal.NewFromInt(100)).Round(0)
	}

	return trade.Approval{
		IntentID: env.EventID,
		TraceID:  env.TraceID,
		Symbol:   symbol,
		Side:     side,
		Qty:      qty,
		Price:    price,
		Approved: canTrade,
		Reason:   reason,
		Snapshot: p,
	}, nil
}
