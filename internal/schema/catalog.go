package schema

import "strings"

// v1 pipeline stream names. The stream name equals the schema name in v1, and
// v1 semantics are frozen; evolution happens on v2 streams.
const (
	PerceptionHeartbeatV1           = "perception.heartbeat.v1"
	PerceptionMarketDataCollectedV1 = "perception.market_data.collected.v1"

	VariablesMarketComputedV1 = "variables.market.computed.v1"
	VariablesStockComputedV1  = "variables.stock.computed.v1"

	SignalsRegimeDetectedV1    = "signals.regime.detected.v1"
	SignalsOpportunityScoredV1 = "signals.opportunity.scored.v1"

	StrategyCandidateActionGeneratedV1 = "strategy.candidate_action.generated.v1"

	RiskOrderApprovedV1 = "risk.order.approved.v1"
	RiskOrderRejectedV1 = "risk.order.rejected.v1"

	ExecutionOrderExecutedV1 = "execution.order.executed.v1"
	ExecutionOrderFailedV1   = "execution.order.failed.v1"

	PostmortemTradeRecordCreatedV1 = "postmortem.trade_record.created.v1"

	EvolutionBacktestCompletedV1 = "evolution.backtest.completed.v1"
	EvolutionParameterProposedV1 = "evolution.parameter.proposed.v1"
)

// Trade-plane lifecycle streams emitted by the submission state machine.
const (
	TradeIntentApprovedV1     = "trade.intent_approved.v1"
	TradeIntentRejectedV1     = "trade.intent_rejected.v1"
	TradeSubmitStartedV1      = "trade.submit_started.v1"
	TradeOrderSubmittedV1     = "trade.order_submitted.v1"
	TradeSubmitUnknownV1      = "trade.submit_unknown.v1"
	TradeOrderRejectedV1      = "trade.order_rejected.v1"
	TradeReconciledV1         = "trade.reconciled.v1"
	TradeSubmitRetryV1        = "trade.submit_retry.v1"
	TradeFillRecordedV1       = "trade.fill_recorded.v1"
	TradeOrderFilledV1        = "trade.order_filled.v1"
	TradeCancelRequestedV1    = "trade.cancel_requested.v1"
	TradeOrderCancelledV1     = "trade.order_cancelled.v1"
	TradeReconcileAmbiguousV1 = "trade.reconcile_ambiguous.v1"
)

const dlqPrefix = "dlq."

// DLQStream derives the dead-letter stream name for a base stream.
func DLQStream(stream string) string { return dlqPrefix + stream }

// IsDLQSchema reports whether the schema names a dead-letter stream.
func IsDLQSchema(schemaName string) bool { return strings.HasPrefix(schemaName, dlqPrefix) }

// BaseOfDLQ strips the DLQ prefix, returning the originating stream name.
func BaseOfDLQ(schemaName string) string { return strings.TrimPrefix(schemaName, dlqPrefix) }

// PipelineStreamsV1 lists every core pipeline stream in producer order.
func PipelineStreamsV1() []string {
	return []string{
		PerceptionHeartbeatV1,
		PerceptionMarketDataCollectedV1,
		VariablesMarketComputedV1,
		VariablesStockComputedV1,
		SignalsRegimeDetectedV1,
		SignalsOpportunityScoredV1,
		StrategyCandidateActionGeneratedV1,
		RiskOrderApprovedV1,
		RiskOrderRejectedV1,
		ExecutionOrderExecutedV1,
		ExecutionOrderFailedV1,
		PostmortemTradeRecordCreatedV1,
		EvolutionBacktestCompletedV1,
		EvolutionParameterProposedV1,
	}
}

// TradeStreamsV1 lists the submission lifecycle streams on the trade plane.
func TradeStreamsV1() []string {
	return []string{
		TradeIntentApprovedV1,
		TradeIntentRejectedV1,
		TradeSubmitStartedV1,
		TradeOrderSubmittedV1,
		TradeSubmitUnknownV1,
		TradeOrderRejectedV1,
		TradeReconciledV1,
		TradeSubmitRetryV1,
		TradeFillRecordedV1,
		TradeOrderFilledV1,
		TradeCancelRequestedV1,
		TradeOrderCancelledV1,
		TradeReconcileAmbiguousV1,
	}
}

// riskDecisionRules is shared by the approved and rejected streams.
func riskDecisionRules() Rules {
	return Rules{
		"symbol":              Str(),
		"ts":                  TS(),
		"can_trade":           Bool(),
		"final_position_frac": Num(-1, 1),
		"risk_per_trade":      NumMin(0),
		"reason":              Str(),
		"reasons":             AnyObj().AsOptional(),
		"order":               AnyObj(),
	}
}

func executionResultRules() Rules {
	return Rules{
		"order_id":   Str(),
		"symbol":     Str(),
		"ts":         TS(),
		"status":     Str(),
		"filled_qty": NumMin(0),
		"avg_price":  NumMin(0),
		"broker":     Str(),
	}
}

// intentLifecycleRules covers the trade.* lifecycle payloads, which all carry
// the intent identity plus event-specific detail.
func intentLifecycleRules() Rules {
	return Rules{
		"intent_id": Str(),
		"ts":        TS(),
		"state":     Str(),
		"detail":    AnyObj().AsOptional(),
	}
}

// RegisterPipelineV1 installs the frozen v1 payload contracts for every core
// pipeline stream plus the trade-plane lifecycle streams.
func RegisterPipelineV1(r *Registry) error {
	catalog := map[string]Rules{
		PerceptionHeartbeatV1: {
			"status": Str(),
		},
		PerceptionMarketDataCollectedV1: {
			"symbol":    Str(),
			"ts":        TS(),
			"timeframe": Str(),
			"open":      NumPos(),
			"high":      NumPos(),
			"low":       NumPos(),
			"close":     NumPos(),
			"volume":    NumMin(0),
			"source":    Str(),
		},
		VariablesMarketComputedV1: {
			"symbol":    Str(),
			"ts":        TS(),
			"variables": AnyObj(),
			"quality":   AnyObj(),
		},
		VariablesStockComputedV1: {
			"symbol":    Str(),
			"ts":        TS(),
			"variables": AnyObj(),
			"quality":   AnyObj(),
		},
		SignalsRegimeDetectedV1: {
			"symbol": Str(),
			"ts":     TS(),
			"regime": Str(),
		},
		SignalsOpportunityScoredV1: {
			"symbol":            Str(),
			"ts":                TS(),
			"opportunity_score": Num(0, 100),
			"confidence":        Num(0, 100),
			"regime":            Str(),
			"components":        AnyObj(),
		},
		StrategyCandidateActionGeneratedV1: {
			"symbol":               Str(),
			"ts":                   TS(),
			"action":               StrEnum("BUY", "SELL", "HOLD"),
			"strategy":             Str(),
			"target_position_frac": Num(-1, 1),
			"rationale":            Str(),
		},
		RiskOrderApprovedV1: riskDecisionRules(),
		RiskOrderRejectedV1: riskDecisionRules(),

		ExecutionOrderExecutedV1: executionResultRules(),
		ExecutionOrderFailedV1:   executionResultRules(),

		PostmortemTradeRecordCreatedV1: {
			"trade_id":          Str(),
			"symbol":            Str(),
			"ts":                TS(),
			"status":            StrEnum("EXECUTED", "FAILED", "PARTIAL"),
			"order":             AnyObj(),
			"decision_snapshot": AnyObj(),
		},
		EvolutionBacktestCompletedV1: {
			"backtest_id": Str(),
			"strategy":    Str(),
			"start_date":  Str(),
			"end_date":    Str(),
			"metrics":     AnyObj(),
			"parameters":  AnyObj(),
		},
		EvolutionParameterProposedV1: {
			"proposal_id":         Str(),
			"strategy":            Str(),
			"current_parameters":  AnyObj(),
			"proposed_parameters": AnyObj(),
			"rationale":           Str(),
		},
	}
	for _, stream := range TradeStreamsV1() {
		catalog[stream] = intentLifecycleRules()
	}
	for schemaName, rules := range catalog {
		if err := r.Register(schemaName, rules); err != nil {
			return err
		}
	}
	return nil
}
