package processor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/bus"
	"github.com/Victor-dw/Blackjack/internal/processor"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
)

func newRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, schema.RegisterPipelineV1(reg))
	return reg
}

func marketDataEnvelope() *schema.Envelope {
	return schema.NewEnvelope(schema.PerceptionMarketDataCollectedV1, schema.NewTraceID(), map[string]any{
		"symbol":    "600000.SH",
		"ts":        "2026-08-24T09:30:00+08:00",
		"timeframe": "1d",
		"open":      10.1,
		"high":      10.5,
		"low":       10.0,
		"close":     10.4,
		"volume":    120000.0,
		"source":    "akshare",
	})
}

func runStage(t *testing.T, stage *processor.Stage) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = stage.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("stage did not stop")
		}
	})
}

func fastTuning() processor.Tuning {
	return processor.Tuning{
		BlockInterval:     10 * time.Millisecond,
		VisibilityTimeout: 20 * time.Millisecond,
	}
}

func TestStageEmitsWithInheritedTrace(t *testing.T) {
	log := streamlog.NewMemoryLog()
	reg := newRegistry(t)

	stage, err := processor.NewStage(processor.Binding{
		Name:    "variables",
		Inputs:  []string{schema.PerceptionMarketDataCollectedV1},
		Outputs: []string{schema.VariablesMarketComputedV1},
		Handler: func(ctx context.Context, in *schema.Envelope, emit processor.Emitter) error {
			return emit.Emit(ctx, schema.VariablesMarketComputedV1, map[string]any{
				"symbol":    in.Payload["symbol"],
				"ts":        in.Payload["ts"],
				"variables": map[string]any{"ma20": 10.2},
				"quality":   map[string]any{"rows": 240.0},
			})
		},
	}, fastTuning(), log, reg, bus.NewMemoryIdempotency(), nil)
	require.NoError(t, err)
	runStage(t, stage)

	in := marketDataEnvelope()
	body, err := schema.Encode(in)
	require.NoError(t, err)
	_, err = log.Append(context.Background(), in.Schema, body)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return log.Len(schema.VariablesMarketComputedV1) == 1
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := log.ReadRange(context.Background(), schema.VariablesMarketComputedV1, "", 1)
	require.NoError(t, err)
	out, err := schema.Decode(entries[0].Body)
	require.NoError(t, err)
	require.Equal(t, in.TraceID, out.TraceID)
	require.NotEqual(t, in.EventID, out.EventID)
	require.Equal(t, "variables", out.SourceService)
}

func TestStageEmitToUndeclaredStreamFails(t *testing.T) {
	log := streamlog.NewMemoryLog()
	reg := newRegistry(t)
	var emitErr atomic.Value

	stage, err := processor.NewStage(processor.Binding{
		Name:    "variables",
		Inputs:  []string{schema.PerceptionMarketDataCollectedV1},
		Outputs: []string{schema.VariablesMarketComputedV1},
		Handler: func(ctx context.Context, in *schema.Envelope, emit processor.Emitter) error {
			if err := emit.Emit(ctx, schema.SignalsRegimeDetectedV1, map[string]any{
				"symbol": "600000.SH",
				"ts":     "2026-08-24T09:30:00+08:00",
				"regime": "trending",
			}); err != nil {
				emitErr.Store(err)
			}
			return nil
		},
	}, fastTuning(), log, reg, bus.NewMemoryIdempotency(), nil)
	require.NoError(t, err)
	runStage(t, stage)

	in := marketDataEnvelope()
	body, err := schema.Encode(in)
	require.NoError(t, err)
	_, err = log.Append(context.Background(), in.Schema, body)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return emitErr.Load() != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, errs.HasCode(emitErr.Load().(error), errs.CodeUnauthorizedStream))
	require.Equal(t, 0, log.Len(schema.SignalsRegimeDetectedV1))
}

func TestStageRequiresInputsAndHandler(t *testing.T) {
	log := streamlog.NewMemoryLog()
	reg := newRegistry(t)

	_, err := processor.NewStage(processor.Binding{
		Name:    "variables",
		Outputs: []string{schema.VariablesMarketComputedV1},
		Handler: func(context.Context, *schema.Envelope, processor.Emitter) error { return nil },
	}, processor.Tuning{}, log, reg, bus.NewMemoryIdempotency(), nil)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	_, err = processor.NewStage(processor.Binding{
		Name:   "variables",
		Inputs: []string{schema.PerceptionMarketDataCollectedV1},
	}, processor.Tuning{}, log, reg, bus.NewMemoryIdempotency(), nil)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}
