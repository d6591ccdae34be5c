// Package risk is the final position allocator: it consumes candidate
// actions from the strategy stage and decides, deterministically for a given
// input and limits, whether an order may go to execution and at what size.
package risk

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/schema"
)

// Rejection reason codes carried in the decision payload.
const (
	ReasonWithinLimits  = "within_limits"
	ReasonHoldNoOrder   = "hold_no_order"
	ReasonInvalidAction = "invalid_action"
	ReasonBelowMin      = "below_min_position"
	ReasonPositionLimit = "POSITION_LIMIT"
)

// Limits defines the allocator's risk parameters.
type Limits struct {
	// MaxSinglePositionFrac caps the absolute position fraction of NAV a
	// single name may reach. Requests above the cap are rejected.
	MaxSinglePositionFrac decimal.Decimal `yaml:"max_single_name_position_pct"`

	// MinTradePositionFrac is the smallest position worth trading; anything
	// below it is rejected rather than dribbled out.
	MinTradePositionFrac decimal.Decimal `yaml:"min_trade_position_frac"`

	// DefaultRiskPerTrade is the risk budget stamped on approved orders.
	DefaultRiskPerTrade decimal.Decimal `yaml:"default_risk_per_trade"`

	// OrderThrottle is the maximum rate of decisions per second; zero or
	// negative disables throttling.
	OrderThrottle float64 `yaml:"order_throttle"`
}

// DefaultLimits mirrors the standard configuration: 10% single-name cap,
// 1% minimum trade, 1% risk per trade, no throttle.
func DefaultLimits() Limits {
	return Limits{
		MaxSinglePositionFrac: decimal.NewFromFloat(0.10),
		MinTradePositionFrac:  decimal.NewFromFloat(0.01),
		DefaultRiskPerTrade:   decimal.NewFromFloat(0.01),
	}
}

// CandidateAction is the strategy stage's sizing request.
type CandidateAction struct {
	Symbol             string
	TS                 string
	Action             string
	Strategy           string
	TargetPositionFrac decimal.Decimal
	Rationale          string
}

// Decision is the allocator verdict: the stream it belongs on and the
// decision payload for that stream's contract.
type Decision struct {
	Stream  string
	Payload map[string]any
}

// Approved reports whether the decision landed on the approved stream.
func (d Decision) Approved() bool { return d.Stream == schema.RiskOrderApprovedV1 }

// Allocator enforces position limits and order throughput.
type Allocator struct {
	limits  Limits
	limiter *rate.Limiter
}

// NewAllocator builds an allocator for the given limits.
func NewAllocator(limits Limits) *Allocator {
	throttle := rate.Inf
	if limits.OrderThrottle > 0 {
		throttle = rate.Limit(limits.OrderThrottle)
	}
	return &Allocator{
		limits:  limits,
		limiter: rate.NewLimiter(throttle, 1),
	}
}

// Allocate produces the risk decision for one candidate action. It blocks on
// the order throttle; ctx cancellation aborts the wait.
func (a *Allocator) Allocate(ctx context.Context, c CandidateAction) (Decision, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return Decision{}, errs.New("risk", errs.CodeUnavailable,
			errs.WithMessage("order throttle wait aborted"), errs.WithCause(err))
	}

	if c.Action == "HOLD" {
		return a.reject(c, ReasonHoldNoOrder, nil), nil
	}
	if c.Action != "BUY" && c.Action != "SELL" {
		return a.reject(c, ReasonInvalidAction, nil), nil
	}

	desired := c.TargetPositionFrac.Abs()
	if c.Action == "SELL" {
		desired = desired.Neg()
	}

	if desired.Abs().GreaterThan(a.limits.MaxSinglePositionFrac) {
		detail := fmt.Sprintf("target %s exceeds single-name cap %s",
			desired.Abs().String(), a.limits.MaxSinglePositionFrac.String())
		return a.reject(c, ReasonPositionLimit, map[string]any{ReasonPositionLimit: detail}), nil
	}
	if desired.Abs().LessThan(a.limits.MinTradePositionFrac) {
		return a.reject(c, ReasonBelowMin, nil), nil
	}

	// Sizing stays in fraction units so execution remains mechanical.
	qty := desired.Abs().Mul(decimal.NewFromInt(100)).Round(0)
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	final, _ := desired.Float64()
	riskPerTrade, _ := a.limits.DefaultRiskPerTrade.Float64()
	targetFrac, _ := c.TargetPositionFrac.Float64()

	return Decision{
		Stream: schema.RiskOrderApprovedV1,
		Payload: map[string]any{
			"symbol":              c.Symbol,
			"ts":                  c.TS,
			"can_trade":           true,
			"final_position_frac": final,
			"risk_per_trade":      riskPerTrade,
			"reason":              ReasonWithinLimits,
			"order": map[string]any{
				"order_id":             "ord-" + uuid.NewString(),
				"side":                 c.Action,
				"qty":                  qty.IntPart(),
				"symbol":               c.Symbol,
				"strategy":             c.Strategy,
				"rationale":            c.Rationale,
				"target_position_frac": targetFrac,
				"final_position_frac":  final,
			},
		},
	}, nil
}

func (a *Allocator) reject(c CandidateAction, reason string, reasons map[string]any) Decision {
	targetFrac, _ := c.TargetPositionFrac.Float64()
	payload := map[string]any{
		"symbol":              c.Symbol,
		"ts":                  c.TS,
		"can_trade":           false,
		"final_position_frac": 0.0,
		"risk_per_trade":      0.0,
		"reason":              reason,
		"order": map[string]any{
			"order_id":             "noop-" + uuid.NewString(),
			"side":                 c.Action,
			"qty":                  int64(0),
			"strategy":             c.Strategy,
			"rationale":            c.Rationale,
			"target_position_frac": targetFrac,
		},
	}
	if len(reasons) > 0 {
		payload["reasons"] = reasons
	}
	return Decision{Stream: schema.RiskOrderRejectedV1, Payload: payload}
}
