package bridge_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/bridge"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
)

func newRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, schema.RegisterPipelineV1(reg))
	return reg
}

func approvedOrderEnvelope() *schema.Envelope {
	return schema.NewEnvelope(schema.RiskOrderApprovedV1, schema.NewTraceID(), map[string]any{
		"symbol":              "600000.SH",
		"ts":                  "2026-08-24T09:31:00+08:00",
		"can_trade":           true,
		"final_position_frac": 0.1,
		"risk_per_trade":      0.01,
		"reason":              "approved",
		"order":               map[string]any{"side": "BUY", "qty": 100.0, "price": 10.4},
	})
}

func fastConfig() bridge.Config {
	return bridge.Config{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffCap:        5 * time.Millisecond,
		BlockInterval:     10 * time.Millisecond,
		VisibilityTimeout: 20 * time.Millisecond,
	}
}

func runBridge(t *testing.T, b *bridge.Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("bridge did not stop")
		}
	})
}

func appendEnvelope(t *testing.T, log streamlog.Log, stream string, env *schema.Envelope) {
	t.Helper()
	body, err := schema.Encode(env)
	require.NoError(t, err)
	_, err = log.Append(context.Background(), stream, body)
	require.NoError(t, err)
}

func TestWhitelistDefaultsToApprovedOrders(t *testing.T) {
	b, err := bridge.New(streamlog.NewMemoryLog(), streamlog.NewMemoryLog(), newRegistry(t), bridge.Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{schema.RiskOrderApprovedV1}, b.Whitelist())
}

func TestNonApprovalWhitelistRejectedWithoutOverride(t *testing.T) {
	cfg := bridge.Config{Whitelist: []string{schema.RiskOrderApprovedV1, schema.StrategyCandidateActionGeneratedV1}}
	_, err := bridge.New(streamlog.NewMemoryLog(), streamlog.NewMemoryLog(), newRegistry(t), cfg, nil)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	cfg.AllowNonApproval = true
	_, err = bridge.New(streamlog.NewMemoryLog(), streamlog.NewMemoryLog(), newRegistry(t), cfg, nil)
	require.NoError(t, err)
}

func TestForwardsValidApprovalVerbatim(t *testing.T) {
	compute := streamlog.NewMemoryLog()
	trade := streamlog.NewMemoryLog()
	b, err := bridge.New(compute, trade, newRegistry(t), fastConfig(), nil)
	require.NoError(t, err)
	runBridge(t, b)

	env := approvedOrderEnvelope()
	appendEnvelope(t, compute, schema.RiskOrderApprovedV1, env)

	require.Eventually(t, func() bool {
		return trade.Len(schema.RiskOrderApprovedV1) == 1
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := trade.ReadRange(context.Background(), schema.RiskOrderApprovedV1, "", 1)
	require.NoError(t, err)
	forwarded, err := schema.Decode(entries[0].Body)
	require.NoError(t, err)
	// event_id preserved verbatim so downstream dedup keeps working.
	require.Equal(t, env.EventID, forwarded.EventID)
	require.Equal(t, env.TraceID, forwarded.TraceID)
}

func TestInvalidApprovalDeadLettersOnComputePlane(t *testing.T) {
	compute := streamlog.NewMemoryLog()
	trade := streamlog.NewMemoryLog()
	b, err := bridge.New(compute, trade, newRegistry(t), fastConfig(), nil)
	require.NoError(t, err)
	runBridge(t, b)

	env := approvedOrderEnvelope()
	env.Payload["risk_per_trade"] = -1.0
	appendEnvelope(t, compute, schema.RiskOrderApprovedV1, env)

	dlq := schema.DLQStream(schema.RiskOrderApprovedV1)
	require.Eventually(t, func() bool {
		return compute.Len(dlq) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 0, trade.Len(schema.RiskOrderApprovedV1))
	entries, err := compute.ReadRange(context.Background(), dlq, "", 1)
	require.NoError(t, err)
	dead, err := schema.Decode(entries[0].Body)
	require.NoError(t, err)
	require.Equal(t, string(schema.KindPayloadInvalid), dead.Payload["error_kind"])
}

func TestTradePlaneOnlyCarriesWhitelistedSchemas(t *testing.T) {
	compute := streamlog.NewMemoryLog()
	trade := streamlog.NewMemoryLog()
	reg := newRegistry(t)
	b, err := bridge.New(compute, trade, reg, fastConfig(), nil)
	require.NoError(t, err)
	runBridge(t, b)

	rng := rand.New(rand.NewSource(7))
	foreign := []*schema.Envelope{
		schema.NewEnvelope(schema.StrategyCandidateActionGeneratedV1, schema.NewTraceID(), map[string]any{
			"symbol": "600000.SH", "ts": "2026-08-24T09:30:00+08:00", "action": "BUY",
			"strategy": "trend", "target_position_frac": 0.2, "rationale": "breakout",
		}),
		schema.NewEnvelope(schema.SignalsRegimeDetectedV1, schema.NewTraceID(), map[string]any{
			"symbol": "600000.SH", "ts": "2026-08-24T09:30:00+08:00", "regime": "trending",
		}),
	}
	wantForwarded := 0
	for i := 0; i < 40; i++ {
		switch rng.Intn(3) {
		case 0:
			appendEnvelope(t, compute, schema.RiskOrderApprovedV1, approvedOrderEnvelope())
			wantForwarded++
		case 1:
			// Foreign schema smuggled onto the whitelisted stream.
			appendEnvelope(t, compute, schema.RiskOrderApprovedV1, foreign[rng.Intn(len(foreign))])
		default:
			// Foreign schema on its own stream; the bridge never reads it.
			env := foreign[rng.Intn(len(foreign))]
			appendEnvelope(t, compute, env.Schema, env)
		}
	}

	require.Eventually(t, func() bool {
		return trade.Len(schema.RiskOrderApprovedV1) == wantForwarded
	}, 10*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	for _, stream := range trade.Streams() {
		require.Equal(t, schema.RiskOrderApprovedV1, stream)
		entries, err := trade.ReadRange(context.Background(), stream, "", 100)
		require.NoError(t, err)
		for _, entry := range entries {
			env, err := schema.Decode(entry.Body)
			require.NoError(t, err)
			require.Equal(t, schema.RiskOrderApprovedV1, env.Schema)
		}
	}
}
