package trade

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/observability"
	"github.com/Victor-dw/Blackjack/internal/schema"
)

// DefaultLeaseTTL bounds how long a submitting worker may hold an intent.
const DefaultLeaseTTL = 10 * time.Second

// Machine drives intents through the submission lifecycle. Every transition
// is one store transaction covering state, inbox, and outbox; lifecycle
// events reach the trade plane through the outbox drainer.
type Machine struct {
	store    Store
	broker   Broker
	owner    string
	leaseTTL time.Duration
	clock    func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithLeaseTTL overrides the submission lease TTL.
func WithLeaseTTL(ttl time.Duration) MachineOption {
	return func(m *Machine) { m.leaseTTL = ttl }
}

// WithClock overrides the machine clock; used by lease tests.
func WithClock(clock func() time.Time) MachineOption {
	return func(m *Machine) { m.clock = clock }
}

// NewMachine builds a machine identified by owner (the worker identity used
// for lease acquisition).
func NewMachine(store Store, broker Broker, owner string, opts ...MachineOption) *Machine {
	m := &Machine{
		store:    store,
		broker:   broker,
		owner:    owner,
		leaseTTL: DefaultLeaseTTL,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleApproval is the inbox boundary: the first delivery of an intent
// enters the machine, every repeat returns the recorded (state, digest)
// without re-entering.
func (m *Machine) HandleApproval(ctx context.Context, approval Approval) (State, string, error) {
	var status State
	var digest string
	err := m.store.Transition(ctx, func(tx Tx) error {
		if record, ok, err := tx.GetInbox(approval.IntentID); err != nil {
			return err
		} else if ok {
			status, digest = record.Status, record.ResultDigest
			return nil
		}
		digest = approval.Digest()
		intent := &Intent{
			IntentID: approval.IntentID,
			TraceID:  approval.TraceID,
			Approval: approval,
		}
		if approval.Approved {
			intent.State = StateRiskApproved
		} else {
			intent.State = StateRejected
		}
		status = intent.State
		if err := tx.PutIntent(intent); err != nil {
			return err
		}
		if err := tx.PutInbox(&InboxRecord{IntentID: approval.IntentID, Status: status, ResultDigest: digest}); err != nil {
			return err
		}
		stream := schema.TradeIntentApprovedV1
		detail := map[string]any{"symbol": approval.Symbol, "side": approval.Side}
		if !approval.Approved {
			stream = schema.TradeIntentRejectedV1
			detail["reason"] = approval.Reason
		}
		return m.emit(tx, stream, intent, detail)
	})
	return status, digest, err
}

// Submit runs one submission attempt end to end: lease acquisition, broker
// call outside the transaction, then result application under the lease.
func (m *Machine) Submit(ctx context.Context, intentID string) error {
	req, err := m.beginSubmit(ctx, intentID)
	if err != nil {
		return err
	}

	result, berr := m.broker.Submit(ctx, req)
	if berr != nil {
		// Any transport failure is an ambiguous send: the order may exist.
		result = SubmitResult{Outcome: SubmitUnknown, Raw: berr.Error()}
	}
	return m.finishSubmit(ctx, intentID, req, result)
}

// beginSubmit acquires the lease and moves the intent into SUBMITTING.
func (m *Machine) beginSubmit(ctx context.Context, intentID string) (OrderRequest, error) {
	var req OrderRequest
	err := m.store.Transition(ctx, func(tx Tx) error {
		intent, ok, err := tx.GetIntent(intentID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New("trade/machine", errs.CodeNotFound,
				errs.WithMessage("unknown intent"), errs.WithDetail(intentID))
		}
		if intent.Halted {
			return errs.New("trade/machine", errs.CodeFillConflict,
				errs.WithMessage("intent halted by fill conflict"), errs.WithDetail(intentID))
		}
		if intent.State != StateRiskApproved && intent.State != StateSubmitting {
			return errs.New("trade/machine", errs.CodeConflict,
				errs.WithMessage("intent not submittable"), errs.WithDetail(string(intent.State)))
		}
		now := m.clock()
		if intent.LeaseOwner != "" && intent.LeaseOwner != m.owner && now.Before(intent.LeaseExpiresAt) {
			return errs.New("trade/machine", errs.CodeLeaseLost,
				errs.WithMessage("lease held by another worker"), errs.WithDetail(intent.LeaseOwner))
		}
		fromApproved := intent.State == StateRiskApproved
		intent.LeaseOwner = m.owner
		intent.LeaseExpiresAt = now.Add(m.leaseTTL)
		intent.AttemptCounter++
		intent.SubmitAttemptID = uuid.NewString()
		intent.State = StateSubmitting
		if err := tx.PutIntent(intent); err != nil {
			return err
		}

		order, ok, err := tx.GetOrderByIntent(intentID)
		if err != nil {
			return err
		}
		if !ok {
			order = &Order{
				OrderID:     uuid.NewString(),
				IntentID:    intentID,
				RequestHash: RequestHash(intentID, intent.Approval.Symbol, intent.Approval.Side, intent.Approval.Qty, intent.Approval.Price),
				State:       StateSubmitting,
				TargetQty:   intent.Approval.Qty,
				CumQty:      decimal.Zero,
			}
			if err := tx.PutOrder(order); err != nil {
				return err
			}
		}
		req = OrderRequest{
			IntentID:    intentID,
			Symbol:      intent.Approval.Symbol,
			Side:        intent.Approval.Side,
			Qty:         intent.Approval.Qty,
			Price:       intent.Approval.Price,
			RequestHash: order.RequestHash,
			Remark:      "intent:" + intentID,
		}
		if fromApproved {
			return m.emit(tx, schema.TradeSubmitStartedV1, intent, map[string]any{
				"attempt": intent.AttemptCounter,
			})
		}
		return nil
	})
	return req, err
}

// finishSubmit applies the broker result. The lease must still be held; a
// lost lease aborts without mutating anything.
func (m *Machine) finishSubmit(ctx context.Context, intentID string, req OrderRequest, result SubmitResult) error {
	return m.store.Transition(ctx, func(tx Tx) error {
		intent, ok, err := tx.GetIntent(intentID)
		if err != nil {
			return err
		}
		if !ok || intent.State != StateSubmitting {
			return errs.New("trade/machine", errs.CodeConflict,
				errs.WithMessage("intent left SUBMITTING"), errs.WithDetail(intentID))
		}
		if intent.LeaseOwner != m.owner || m.clock().After(intent.LeaseExpiresAt) {
			return errs.New("trade/machine", errs.CodeLeaseLost,
				errs.WithMessage("lease lost before applying broker result"), errs.WithDetail(intentID))
		}
		order, ok, err := tx.GetOrderByIntent(intentID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New("trade/machine", errs.CodeNotFound,
				errs.WithMessage("intent has no order"), errs.WithDetail(intentID))
		}
		rawReq, _ := json.Marshal(req)
		order.RawRequest = string(rawReq)
		order.RawResponse = result.Raw

		intent.LeaseOwner = ""
		intent.LeaseExpiresAt = time.Time{}

		switch result.Outcome {
		case SubmitAck:
			order.BrokerOrderID = result.BrokerOrderID
			order.State = StateSubmitted
			intent.State = StateSubmitted
			if err := tx.PutOrder(order); err != nil {
				return err
			}
			if err := tx.PutIntent(intent); err != nil {
				return err
			}
			return m.emit(tx, schema.TradeOrderSubmittedV1, intent, map[string]any{
				"broker_order_id": result.BrokerOrderID,
			})
		case SubmitReject:
			order.State = StateRejected
			intent.State = StateRejected
			if err := tx.PutOrder(order); err != nil {
				return err
			}
			if err := tx.PutIntent(intent); err != nil {
				return err
			}
			return m.emit(tx, schema.TradeOrderRejectedV1, intent, map[string]any{
				"reject_code": result.RejectCode,
			})
		default:
			intent.State = StateSubmitUnknown
			if err := tx.PutOrder(order); err != nil {
				return err
			}
			if err := tx.PutIntent(intent); err != nil {
				return err
			}
			return m.emit(tx, schema.TradeSubmitUnknownV1, intent, map[string]any{
				"request_hash": order.RequestHash,
			})
		}
	})
}

// RecordFill applies one execution report. Duplicates by natural key are
// discarded; a natural-key match with different qty/price halts the intent
// and surfaces FillConflict.
func (m *Machine) RecordFill(ctx context.Context, intentID, brokerFillID string, qty, price decimal.Decimal, ts time.Time) error {
	conflict := false
	err := m.store.Transition(ctx, func(tx Tx) error {
		intent, ok, err := tx.GetIntent(intentID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New("trade/machine", errs.CodeNotFound,
				errs.WithMessage("unknown intent"), errs.WithDetail(intentID))
		}
		if intent.State != StateSubmitted && intent.State != StatePartiallyFilled {
			return errs.New("trade/machine", errs.CodeConflict,
				errs.WithMessage("intent not accepting fills"), errs.WithDetail(string(intent.State)))
		}
		order, ok, err := tx.GetOrderByIntent(intentID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New("trade/machine", errs.CodeNotFound,
				errs.WithMessage("intent has no order"), errs.WithDetail(intentID))
		}

		key := FillNaturalKey(brokerFillID, order.BrokerOrderID, ts, price, qty)
		if existing, ok, err := tx.GetFill(key); err != nil {
			return err
		} else if ok {
			if existing.Qty.Equal(qty) && existing.Price.Equal(price) {
				// Exact duplicate: discard silently.
				return nil
			}
			// Conflicting duplicate: persist the halt, then report it.
			intent.Halted = true
			conflict = true
			return tx.PutIntent(intent)
		}

		if err := tx.PutFill(&Fill{NaturalKey: key, OrderID: order.OrderID, Qty: qty, Price: price, TS: ts}); err != nil {
			return err
		}
		order.CumQty = order.CumQty.Add(qty)
		detail := map[string]any{
			"fill_key": key,
			"qty":      qty.String(),
			"price":    price.String(),
			"cum_qty":  order.CumQty.String(),
		}
		if order.CumQty.Cmp(order.TargetQty) >= 0 {
			order.State = StateFilled
			intent.State = StateFilled
			if err := tx.PutOrder(order); err != nil {
				return err
			}
			if err := tx.PutIntent(intent); err != nil {
				return err
			}
			return m.emit(tx, schema.TradeOrderFilledV1, intent, detail)
		}
		order.State = StatePartiallyFilled
		intent.State = StatePartiallyFilled
		if err := tx.PutOrder(order); err != nil {
			return err
		}
		if err := tx.PutIntent(intent); err != nil {
			return err
		}
		return m.emit(tx, schema.TradeFillRecordedV1, intent, detail)
	})
	if err != nil {
		return err
	}
	if conflict {
		observability.Log().Error("fill conflict halts intent",
			observability.Field{Key: "intent_id", Value: intentID},
			observability.Field{Key: "fill_id", Value: brokerFillID})
		return errs.New("trade/machine", errs.CodeFillConflict,
			errs.WithMessage("conflicting fill for existing natural key"),
			errs.WithDetail(intentID))
	}
	return nil
}

// RequestCancel moves a live order into CANCEL_PENDING and asks the broker
// to cancel.
func (m *Machine) RequestCancel(ctx context.Context, intentID string) error {
	var brokerOrderID string
	err := m.store.Transition(ctx, func(tx Tx) error {
		intent, ok, err := tx.GetIntent(intentID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New("trade/machine", errs.CodeNotFound,
				errs.WithMessage("unknown intent"), errs.WithDetail(intentID))
		}
		if intent.State != StateSubmitted && intent.State != StatePartiallyFilled {
			return errs.New("trade/machine", errs.CodeConflict,
				errs.WithMessage("intent not cancellable"), errs.WithDetail(string(intent.State)))
		}
		order, ok, err := tx.GetOrderByIntent(intentID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New("trade/machine", errs.CodeNotFound,
				errs.WithMessage("intent has no order"), errs.WithDetail(intentID))
		}
		brokerOrderID = order.BrokerOrderID
		intent.CancelRequestID = uuid.NewString()
		intent.State = StateCancelPending
		if err := tx.PutIntent(intent); err != nil {
			return err
		}
		return m.emit(tx, schema.TradeCancelRequestedV1, intent, map[string]any{
			"cancel_request_id": intent.CancelRequestID,
		})
	})
	if err != nil {
		return err
	}
	if cerr := m.broker.Cancel(ctx, brokerOrderID); cerr != nil {
		observability.Log().Error("broker cancel failed",
			observability.Field{Key: "intent_id", Value: intentID},
			observability.Field{Key: "error", Value: cerr.Error()})
	}
	return nil
}

// ConfirmCancel finalizes a cancellation on broker ACK.
func (m *Machine) ConfirmCancel(ctx context.Context, intentID string) error {
	return m.store.Transition(ctx, func(tx Tx) error {
		intent, ok, err := tx.GetIntent(intentID)
		if err != nil {
			return err
		}
		if !ok || intent.State != StateCancelPending {
			return errs.New("trade/machine", errs.CodeConflict,
				errs.WithMessage("intent not awaiting cancel"), errs.WithDetail(intentID))
		}
		intent.State = StateCancelled
		if err := tx.PutIntent(intent); err != nil {
			return err
		}
		return m.emit(tx, schema.TradeOrderCancelledV1, intent, nil)
	})
}

// ResolveFound is the reconciler's found decision: backfill the broker
// mapping and advance out of SUBMIT_UNKNOWN.
func (m *Machine) ResolveFound(ctx context.Context, intentID, brokerOrderID string, cumQty decimal.Decimal) error {
	return m.store.Transition(ctx, func(tx Tx) error {
		intent, ok, err := tx.GetIntent(intentID)
		if err != nil {
			return err
		}
		if !ok || intent.State != StateSubmitUnknown {
			return errs.New("trade/machine", errs.CodeConflict,
				errs.WithMessage("intent not in SUBMIT_UNKNOWN"), errs.WithDetail(intentID))
		}
		if other, ok, err := tx.GetOrderByBrokerID(brokerOrderID); err != nil {
			return err
		} else if ok && other.IntentID != intentID {
			// A duplicate broker order id is a reconciliation conflict, not
			// a new order.
			return errs.New("trade/machine", errs.CodeConflict,
				errs.WithMessage("broker order id belongs to another intent"),
				errs.WithDetail(brokerOrderID))
		}
		order, ok, err := tx.GetOrderByIntent(intentID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New("trade/machine", errs.CodeNotFound,
				errs.WithMessage("intent has no order"), errs.WithDetail(intentID))
		}
		order.BrokerOrderID = brokerOrderID
		order.CumQty = cumQty
		next := StateSubmitted
		if cumQty.Cmp(order.TargetQty) >= 0 {
			next = StateFilled
		} else if cumQty.IsPositive() {
			next = StatePartiallyFilled
		}
		order.State = next
		intent.State = next
		if err := tx.PutOrder(order); err != nil {
			return err
		}
		if err := tx.PutIntent(intent); err != nil {
			return err
		}
		return m.emit(tx, schema.TradeReconciledV1, intent, map[string]any{
			"broker_order_id": brokerOrderID,
			"cum_qty":         cumQty.String(),
		})
	})
}

// ResolveAbsent is the reconciler's confirmed-absent decision: the intent
// returns to SUBMITTING for another attempt. This is the only exit from
// SUBMIT_UNKNOWN besides ResolveFound; no time-based heuristic exists.
func (m *Machine) ResolveAbsent(ctx context.Context, intentID string) error {
	return m.store.Transition(ctx, func(tx Tx) error {
		intent, ok, err := tx.GetIntent(intentID)
		if err != nil {
			return err
		}
		if !ok || intent.State != StateSubmitUnknown {
			return errs.New("trade/machine", errs.CodeConflict,
				errs.WithMessage("intent not in SUBMIT_UNKNOWN"), errs.WithDetail(intentID))
		}
		intent.State = StateSubmitting
		intent.LeaseOwner = ""
		intent.LeaseExpiresAt = time.Time{}
		if err := tx.PutIntent(intent); err != nil {
			return err
		}
		return m.emit(tx, schema.TradeSubmitRetryV1, intent, map[string]any{
			"attempt": intent.AttemptCounter,
		})
	})
}

// EscalateAmbiguous records that reconciliation could not decide; the intent
// stays in SUBMIT_UNKNOWN.
func (m *Machine) EscalateAmbiguous(ctx context.Context, intentID, reason string) error {
	return m.store.Transition(ctx, func(tx Tx) error {
		intent, ok, err := tx.GetIntent(intentID)
		if err != nil {
			return err
		}
		if !ok || intent.State != StateSubmitUnknown {
			return errs.New("trade/machine", errs.CodeConflict,
				errs.WithMessage("intent not in SUBMIT_UNKNOWN"), errs.WithDetail(intentID))
		}
		return m.emit(tx, schema.TradeReconcileAmbiguousV1, intent, map[string]any{
			"reason": reason,
		})
	})
}

// IntentState reads the current state of an intent.
func (m *Machine) IntentState(ctx context.Context, intentID string) (State, error) {
	var state State
	err := m.store.Transition(ctx, func(tx Tx) error {
		intent, ok, err := tx.GetIntent(intentID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New("trade/machine", errs.CodeNotFound,
				errs.WithMessage("unknown intent"), errs.WithDetail(intentID))
		}
		state = intent.State
		return nil
	})
	return state, err
}

// emit writes one lifecycle event to the outbox inside the transition.
func (m *Machine) emit(tx Tx, stream string, intent *Intent, detail map[string]any) error {
	payload := map[string]any{
		"intent_id": intent.IntentID,
		"ts":        m.clock().UTC().Format(time.RFC3339Nano),
		"state":     string(intent.State),
	}
	if len(detail) > 0 {
		payload["detail"] = detail
	}
	env := schema.NewEnvelope(stream, intent.TraceID, payload)
	body, err := schema.Encode(env)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(stream, body)
}
