package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Victor-dw/Blackjack/internal/bus"
	"github.com/Victor-dw/Blackjack/internal/executor"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
	"github.com/Victor-dw/Blackjack/internal/trade"
)

func approvalEnvelope(canTrade bool) *schema.Envelope {
	frac := 0.05
	reason := "within_limits"
	if !canTrade {
		frac = 0.0
		reason = "POSITION_LIMIT"
	}
	return schema.NewEnvelope(schema.RiskOrderApprovedV1, schema.NewTraceID(), map[string]any{
		"symbol":              "600000.SH",
		"ts":                  "2026-08-24T09:30:00+08:00",
		"can_trade":           canTrade,
		"final_position_frac": frac,
		"risk_per_trade":      0.01,
		"reason":              reason,
		"order": map[string]any{
			"order_id": "ord-1",
			"side":     "BUY",
			"qty":      5.0,
			"price":    10.4,
		},
	})
}

func startExecutor(t *testing.T, tradeLog, computeLog streamlog.Log, machine *trade.Machine) {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, schema.RegisterPipelineV1(reg))

	exec, err := executor.New(tradeLog, computeLog, reg, bus.NewMemoryIdempotency(), machine, executor.Config{
		BlockInterval:     10 * time.Millisecond,
		VisibilityTimeout: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = exec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("executor did not stop")
		}
	})
}

func publish(t *testing.T, log streamlog.Log, env *schema.Envelope) {
	t.Helper()
	body, err := schema.Encode(env)
	require.NoError(t, err)
	_, err = log.Append(context.Background(), env.Schema, body)
	require.NoError(t, err)
}

func TestExecutorSubmitsApprovedOrder(t *testing.T) {
	tradeLog := streamlog.NewMemoryLog()
	computeLog := streamlog.NewMemoryLog()
	store := trade.NewMemStore()
	broker := trade.NewSimBroker()
	machine := trade.NewMachine(store, broker, "exec-1")
	startExecutor(t, tradeLog, computeLog, machine)

	in := approvalEnvelope(true)
	publish(t, tradeLog, in)

	require.Eventually(t, func() bool {
		return computeLog.Len(schema.ExecutionOrderExecutedV1) == 1
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := computeLog.ReadRange(context.Background(), schema.ExecutionOrderExecutedV1, "", 1)
	require.NoError(t, err)
	out, err := schema.Decode(entries[0].Body)
	require.NoError(t, err)
	require.Equal(t, in.TraceID, out.TraceID)
	require.Equal(t, executor.Group, out.SourceService)
	require.Equal(t, "ord-1", out.Payload["order_id"])
	require.Equal(t, string(trade.StateSubmitted), out.Payload["status"])
	require.Equal(t, "sim", out.Payload["broker"])

	state, err := machine.IntentState(context.Background(), in.EventID)
	require.NoError(t, err)
	require.Equal(t, trade.StateSubmitted, state)
	require.Len(t, broker.Requests(), 1)
}

func TestExecutorReportsRejectedApproval(t *testing.T) {
	tradeLog := streamlog.NewMemoryLog()
	computeLog := streamlog.NewMemoryLog()
	machine := trade.NewMachine(trade.NewMemStore(), trade.NewSimBroker(), "exec-1")
	startExecutor(t, tradeLog, computeLog, machine)

	publish(t, tradeLog, approvalEnvelope(false))

	require.Eventually(t, func() bool {
		return computeLog.Len(schema.ExecutionOrderFailedV1) == 1
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := computeLog.ReadRange(context.Background(), schema.ExecutionOrderFailedV1, "", 1)
	require.NoError(t, err)
	out, err := schema.Decode(entries[0].Body)
	require.NoError(t, err)
	require.Equal(t, "REJECTED", out.Payload["status"])
	require.Equal(t, 0.0, out.Payload["filled_qty"])
}

func TestExecutorDuplicateApprovalSubmitsOnce(t *testing.T) {
	tradeLog := streamlog.NewMemoryLog()
	computeLog := streamlog.NewMemoryLog()
	broker := trade.NewSimBroker()
	machine := trade.NewMachine(trade.NewMemStore(), broker, "exec-1")
	startExecutor(t, tradeLog, computeLog, machine)

	in := approvalEnvelope(true)
	publish(t, tradeLog, in)
	publish(t, tradeLog, in)

	require.Eventually(t, func() bool {
		return computeLog.Len(schema.ExecutionOrderExecutedV1) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Give the duplicate time to flow through before asserting it was dropped.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, computeLog.Len(schema.ExecutionOrderExecutedV1))
	require.Len(t, broker.Requests(), 1)
}
