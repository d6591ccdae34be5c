package trade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Victor-dw/Blackjack/errs"
)

// SubmitOutcome classifies a broker submit attempt.
type SubmitOutcome string

const (
	// SubmitAck means the broker accepted and assigned a broker order id.
	SubmitAck SubmitOutcome = "ack"
	// SubmitReject means the broker explicitly refused the order.
	SubmitReject SubmitOutcome = "reject"
	// SubmitUnknown means the send result is ambiguous (timeout, connection
	// loss); the order may or may not exist at the broker.
	SubmitUnknown SubmitOutcome = "unknown"
)

// OrderRequest is what the machine sends to the broker. Remark embeds the
// intent id so reconciliation can match even without a request hash.
type OrderRequest struct {
	IntentID    string
	Symbol      string
	Side        string
	Qty         decimal.Decimal
	Price       decimal.Decimal
	RequestHash string
	Remark      string
}

// SubmitResult is the broker's answer to a submit attempt.
type SubmitResult struct {
	Outcome       SubmitOutcome
	BrokerOrderID string
	RejectCode    string
	Raw           string
}

// OpenOrder is a live order as reported by the broker.
type OpenOrder struct {
	BrokerOrderID string
	RequestHash   string
	Remark        string
	CumQty        decimal.Decimal
}

// BrokerFill is an execution report from the broker's fill feed.
type BrokerFill struct {
	BrokerFillID  string
	BrokerOrderID string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	TS            time.Time
}

// Broker is the port to the counterparty. Implementations must be safe for
// concurrent use.
type Broker interface {
	Submit(ctx context.Context, req OrderRequest) (SubmitResult, error)
	Cancel(ctx context.Context, brokerOrderID string) error
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
	Fills(ctx context.Context) ([]BrokerFill, error)
}

// SimBroker is a scripted in-process broker used by tests and the simulated
// execution mode. Submit outcomes are scripted per intent id; unscripted
// submits ACK.
type SimBroker struct {
	mu       sync.Mutex
	scripts  map[string][]SubmitResult
	open     []OpenOrder
	fills    []BrokerFill
	nextID   int
	requests []OrderRequest
}

// NewSimBroker constructs an empty simulated broker.
func NewSimBroker() *SimBroker {
	return &SimBroker{scripts: make(map[string][]SubmitResult)}
}

// Script queues submit outcomes for the intent; each Submit consumes one.
func (b *SimBroker) Script(intentID string, results ...SubmitResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[intentID] = append(b.scripts[intentID], results...)
}

// Requests returns every submit request observed, in order.
func (b *SimBroker) Requests() []OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OrderRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

// AddOpenOrder seeds the broker's open-order report.
func (b *SimBroker) AddOpenOrder(order OpenOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = append(b.open, order)
}

// AddFill seeds the broker's fill feed.
func (b *SimBroker) AddFill(fill BrokerFill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fills = append(b.fills, fill)
}

func (b *SimBroker) Submit(ctx context.Context, req OrderRequest) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if queue := b.scripts[req.IntentID]; len(queue) > 0 {
		result := queue[0]
		b.scripts[req.IntentID] = queue[1:]
		if result.Outcome == SubmitAck {
			if result.BrokerOrderID == "" {
				result.BrokerOrderID = b.assignID()
			}
			b.open = append(b.open, OpenOrder{
				BrokerOrderID: result.BrokerOrderID,
				RequestHash:   req.RequestHash,
				Remark:        req.Remark,
			})
		}
		return result, nil
	}
	id := b.assignID()
	b.open = append(b.open, OpenOrder{BrokerOrderID: id, RequestHash: req.RequestHash, Remark: req.Remark})
	return SubmitResult{Outcome: SubmitAck, BrokerOrderID: id, Raw: `{"status":"accepted"}`}, nil
}

func (b *SimBroker) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, order := range b.open {
		if order.BrokerOrderID == brokerOrderID {
			b.open = append(b.open[:i], b.open[i+1:]...)
			return nil
		}
	}
	return errs.New("trade/sim", errs.CodeNotFound,
		errs.WithMessage("no open order"), errs.WithDetail(brokerOrderID))
}

func (b *SimBroker) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OpenOrder, len(b.open))
	copy(out, b.open)
	return out, nil
}

func (b *SimBroker) Fills(ctx context.Context) ([]BrokerFill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BrokerFill, len(b.fills))
	copy(out, b.fills)
	return out, nil
}

// assignID must be called with b.mu held.
func (b *SimBroker) assignID() string {
	b.nextID++
	return fmt.Sprintf("SIM-%06d", b.nextID)
}

var _ Broker = (*SimBroker)(nil)
