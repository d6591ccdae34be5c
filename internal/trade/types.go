// Package trade implements the submission state machine driving approved
// order intents through broker submission, fills, cancellation, and
// reconciliation on the trade plane.
package trade

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// State is the intent-level lifecycle state.
type State string

const (
	StateNew             State = "NEW"
	StateRiskApproved    State = "RISK_APPROVED"
	StateSubmitting      State = "SUBMITTING"
	StateSubmitted       State = "SUBMITTED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateRejected        State = "REJECTED"
	StateCancelPending   State = "CANCEL_PENDING"
	StateCancelled       State = "CANCELLED"
	StateSubmitUnknown   State = "SUBMIT_UNKNOWN"
)

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected:
		return true
	default:
		return false
	}
}

// Approval is the risk decision that enters the state machine.
type Approval struct {
	IntentID string
	TraceID  string
	Symbol   string
	Side     string
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Approved bool
	Reason   string
	// Snapshot preserves the full risk decision payload for audit.
	Snapshot map[string]any
}

// Digest is the stable content hash recorded in the inbox for this approval's
// outcome.
func (a Approval) Digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%t|%s",
		a.IntentID, a.Symbol, a.Side, a.Qty.String(), a.Price.String(), a.Approved, a.Reason)
	return hex.EncodeToString(h.Sum(nil))
}

// Intent tracks one approved order intent through its lifecycle.
type Intent struct {
	IntentID        string
	TraceID         string
	Approval        Approval
	State           State
	AttemptCounter  int
	SubmitAttemptID string
	LeaseOwner      string
	LeaseExpiresAt  time.Time
	CancelRequestID string
	// Halted is set when a fill conflict freezes the intent for manual
	// intervention.
	Halted    bool
	UpdatedAt time.Time
}

// Order is the broker-facing side of an intent.
type Order struct {
	OrderID       string
	IntentID      string
	BrokerOrderID string
	RequestHash   string
	State         State
	CumQty        decimal.Decimal
	TargetQty     decimal.Decimal
	RawRequest    string
	RawResponse   string
}

// Fill is one execution report, deduplicated by natural key.
type Fill struct {
	NaturalKey string
	OrderID    string
	Qty        decimal.Decimal
	Price      decimal.Decimal
	TS         time.Time
}

// FillNaturalKey derives the dedup key: the broker fill id when present,
// otherwise (broker_order_id, ts, px, qty).
func FillNaturalKey(brokerFillID, brokerOrderID string, ts time.Time, price, qty decimal.Decimal) string {
	if strings.TrimSpace(brokerFillID) != "" {
		return "fill:" + brokerFillID
	}
	return fmt.Sprintf("synth:%s|%d|%s|%s", brokerOrderID, ts.UnixNano(), price.String(), qty.String())
}

// InboxRecord is the single source of truth for an intent's externally
// observable outcome.
type InboxRecord struct {
	IntentID     string
	Status       State
	ResultDigest string
}

// OutboxRecord is a lifecycle event awaiting reliable append to its
// trade-plane stream.
type OutboxRecord struct {
	Seq    int64
	Stream string
	Body   []byte
	SentAt time.Time
}

// RequestHash fingerprints an order request for reconciliation matching.
func RequestHash(intentID, symbol, side string, qty, price decimal.Decimal) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", intentID, symbol, side, qty.String(), price.String())
	return hex.EncodeToString(h.Sum(nil))[:32]
}
