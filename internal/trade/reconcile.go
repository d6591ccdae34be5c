package trade

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/observability"
)

// DefaultReconcilePeriod is how often the reconciler sweeps.
const DefaultReconcilePeriod = 30 * time.Second

// Reconciler resolves SUBMIT_UNKNOWN intents against the broker's own view,
// re-drives SUBMITTING intents whose lease is gone, and backfills fills the
// fill feed delivered while nobody was listening.
type Reconciler struct {
	store   Store
	machine *Machine
	broker  Broker
	period  time.Duration
	alerts  *rate.Limiter
}

// NewReconciler builds a reconciler. The alert limiter bounds how often
// ambiguous escalation events are emitted; nil allows every escalation.
func NewReconciler(store Store, machine *Machine, broker Broker, period time.Duration, alerts *rate.Limiter) *Reconciler {
	if period <= 0 {
		period = DefaultReconcilePeriod
	}
	if alerts == nil {
		alerts = rate.NewLimiter(rate.Inf, 1)
	}
	return &Reconciler{store: store, machine: machine, broker: broker, period: period, alerts: alerts}
}

// Run reconciles on the configured period until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Error("reconcile pass failed",
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// RunOnce performs one full reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if err := r.resolveUnknown(ctx); err != nil {
		return err
	}
	if err := r.resubmitStalled(ctx); err != nil {
		return err
	}
	return r.sweepFills(ctx)
}

// resolveUnknown decides found/absent for every SUBMIT_UNKNOWN intent.
func (r *Reconciler) resolveUnknown(ctx context.Context) error {
	unknown, err := r.store.IntentsInState(ctx, StateSubmitUnknown)
	if err != nil {
		return err
	}
	if len(unknown) == 0 {
		return nil
	}
	open, err := r.broker.OpenOrders(ctx)
	if err != nil {
		// Broker unreachable: every unknown intent stays unknown; escalate
		// within the alert budget.
		for _, intent := range unknown {
			r.escalate(ctx, intent.IntentID, errs.New("trade/reconcile", errs.CodeReconcileAmbiguous,
				errs.WithMessage("broker open-order query failed"),
				errs.WithDetail(intent.IntentID), errs.WithCause(err)))
		}
		return nil
	}

	for _, intent := range unknown {
		order, err := r.orderForIntent(ctx, intent.IntentID)
		if err != nil {
			observability.Log().Error("reconcile order lookup failed",
				observability.Field{Key: "intent_id", Value: intent.IntentID},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		matches := matchCandidates(open, order.RequestHash, intent.IntentID)
		switch len(matches) {
		case 0:
			if err := r.machine.ResolveAbsent(ctx, intent.IntentID); err != nil {
				observability.Log().Error("resolve absent failed",
					observability.Field{Key: "intent_id", Value: intent.IntentID},
					observability.Field{Key: "error", Value: err.Error()})
			}
		case 1:
			if err := r.machine.ResolveFound(ctx, intent.IntentID, matches[0].BrokerOrderID, matches[0].CumQty); err != nil {
				observability.Log().Error("resolve found failed",
					observability.Field{Key: "intent_id", Value: intent.IntentID},
					observability.Field{Key: "error", Value: err.Error()})
			}
		default:
			r.escalate(ctx, intent.IntentID, errs.New("trade/reconcile", errs.CodeReconcileAmbiguous,
				errs.WithMessage("multiple broker orders match"),
				errs.WithDetail(intent.IntentID)))
		}
	}
	return nil
}

// resubmitStalled re-drives SUBMITTING intents nobody owns. A confirmed-absent
// resolution and a crashed worker both leave the intent parked here with no
// lease, and the approval event was already consumed upstream, so the
// reconciler is the only component that can restart the attempt.
func (r *Reconciler) resubmitStalled(ctx context.Context) error {
	stalled, err := r.store.IntentsInState(ctx, StateSubmitting)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, intent := range stalled {
		if intent.LeaseOwner != "" && now.Before(intent.LeaseExpiresAt) {
			continue
		}
		if err := r.machine.Submit(ctx, intent.IntentID); err != nil {
			if errs.HasCode(err, errs.CodeLeaseLost) {
				// Another worker picked it up between the read and our lease
				// attempt.
				continue
			}
			observability.Log().Error("stalled resubmission failed",
				observability.Field{Key: "intent_id", Value: intent.IntentID},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
	return nil
}

// sweepFills backfills broker-reported fills the machine has not recorded.
// The natural-key dedup makes re-applying a known fill a no-op.
func (r *Reconciler) sweepFills(ctx context.Context) error {
	var live []*Intent
	for _, state := range []State{StateSubmitted, StatePartiallyFilled} {
		intents, err := r.store.IntentsInState(ctx, state)
		if err != nil {
			return err
		}
		live = append(live, intents...)
	}
	if len(live) == 0 {
		return nil
	}
	fills, err := r.broker.Fills(ctx)
	if err != nil {
		observability.Log().Error("fill feed query failed",
			observability.Field{Key: "error", Value: err.Error()})
		return nil
	}
	for _, intent := range live {
		order, recorded, err := r.orderWithFills(ctx, intent.IntentID)
		if err != nil || order.BrokerOrderID == "" {
			continue
		}
		for _, fill := range fills {
			if fill.BrokerOrderID != order.BrokerOrderID {
				continue
			}
			key := FillNaturalKey(fill.BrokerFillID, order.BrokerOrderID, fill.TS, fill.Price, fill.Qty)
			if known, ok := recorded[key]; ok && known.Qty.Equal(fill.Qty) && known.Price.Equal(fill.Price) {
				// Exact replay of a recorded fill; conflicting replays still
				// go through RecordFill so the halt fires.
				continue
			}
			err := r.machine.RecordFill(ctx, intent.IntentID, fill.BrokerFillID, fill.Qty, fill.Price, fill.TS)
			if err != nil {
				if errs.HasCode(err, errs.CodeFillConflict) {
					observability.Log().Error("fill sweep hit conflict",
						observability.Field{Key: "intent_id", Value: intent.IntentID})
					break
				}
				if errs.HasCode(err, errs.CodeConflict) {
					// Intent reached a terminal state mid-sweep.
					break
				}
				observability.Log().Error("fill backfill failed",
					observability.Field{Key: "intent_id", Value: intent.IntentID},
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	}
	return nil
}

// escalate emits trade.reconcile_ambiguous.v1 for the cause, which must carry
// CodeReconcileAmbiguous, within the alert budget.
func (r *Reconciler) escalate(ctx context.Context, intentID string, cause error) {
	if !r.alerts.Allow() {
		return
	}
	if err := r.machine.EscalateAmbiguous(ctx, intentID, cause.Error()); err != nil {
		observability.Log().Error("ambiguity escalation failed",
			observability.Field{Key: "intent_id", Value: intentID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (r *Reconciler) orderForIntent(ctx context.Context, intentID string) (*Order, error) {
	order, _, err := r.orderWithFills(ctx, intentID)
	return order, err
}

// orderWithFills loads an intent's order and its recorded fills, keyed by
// natural key, in one transaction.
func (r *Reconciler) orderWithFills(ctx context.Context, intentID string) (*Order, map[string]*Fill, error) {
	var order *Order
	recorded := make(map[string]*Fill)
	err := r.store.Transition(ctx, func(tx Tx) error {
		found, ok, err := tx.GetOrderByIntent(intentID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New("trade/reconcile", errs.CodeNotFound,
				errs.WithMessage("intent has no order"), errs.WithDetail(intentID))
		}
		order = found
		fills, err := tx.FillsForOrder(found.OrderID)
		if err != nil {
			return err
		}
		for _, fill := range fills {
			recorded[fill.NaturalKey] = fill
		}
		return nil
	})
	return order, recorded, err
}

func matchCandidates(open []OpenOrder, requestHash, intentID string) []OpenOrder {
	var matches []OpenOrder
	for _, candidate := range open {
		if candidate.RequestHash == requestHash ||
			strings.Contains(candidate.Remark, "intent:"+intentID) {
			matches = append(matches, candidate)
		}
	}
	return matches
}
