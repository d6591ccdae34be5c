package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Victor-dw/Blackjack/internal/bus"
	"github.com/Victor-dw/Blackjack/internal/processor"
	"github.com/Victor-dw/Blackjack/internal/schema"
)

// StageName is the risk stage's name and consumer group.
const StageName = "risk"

// Binding declares the risk stage: candidate actions in, decisions out.
func Binding(allocator *Allocator) processor.Binding {
	return processor.Binding{
		Name:    StageName,
		Inputs:  []string{schema.StrategyCandidateActionGeneratedV1},
		Outputs: []string{schema.RiskOrderApprovedV1, schema.RiskOrderRejectedV1},
		Handler: Handler(allocator),
	}
}

// Handler adapts the allocator to the stage handler contract.
func Handler(allocator *Allocator) processor.StageHandler {
	return func(ctx context.Context, in *schema.Envelope, emit processor.Emitter) error {
		candidate, err := candidateFromPayload(in.Payload)
		if err != nil {
			// Contract validation upstream makes this unreachable for well
			// formed events; anything else is not worth retrying.
			return bus.Fatal("malformed candidate action", err)
		}
		decision, err := allocator.Allocate(ctx, candidate)
		if err != nil {
			return bus.Retryable("allocation aborted", err)
		}
		if err := emit.Emit(ctx, decision.Stream, decision.Payload); err != nil {
			return bus.Retryable("decision publish failed", err)
		}
		return nil
	}
}

func candidateFromPayload(payload map[string]any) (CandidateAction, error) {
	symbol, ok := payload["symbol"].(string)
	if !ok {
		return CandidateAction{}, fmt.Errorf("symbol missing")
	}
	ts, ok := payload["ts"].(string)
	if !ok {
		return CandidateAction{}, fmt.Errorf("ts missing")
	}
	action, ok := payload["action"].(string)
	if !ok {
		return CandidateAction{}, fmt.Errorf("action missing")
	}
	strategy, ok := payload["strategy"].(string)
	if !ok {
		return CandidateAction{}, fmt.Errorf("strategy missing")
	}
	frac, ok := payload["target_position_frac"].(float64)
	if !ok {
		return CandidateAction{}, fmt.Errorf("target_position_frac missing")
	}
	rationale, _ := payload["rationale"].(string)
	return CandidateAction{
		Symbol:             symbol,
		TS:                 ts,
		Action:             action,
		Strategy:           strategy,
		TargetPositionFrac: decimal.NewFromFloat(frac),
		Rationale:          rationale,
	}, nil
}
