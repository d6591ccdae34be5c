package trade_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Victor-dw/Blackjack/internal/bus"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
	"github.com/Victor-dw/Blackjack/internal/trade"
)

func TestOutboxDrainPublishesLifecycleInOrder(t *testing.T) {
	store := trade.NewMemStore()
	m := trade.NewMachine(store, trade.NewSimBroker(), "w1")
	ctx := context.Background()

	_, _, err := m.HandleApproval(ctx, approvedIntent("I1"))
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, "I1"))
	require.NoError(t, m.RecordFill(ctx, "I1", "F1", decimal.NewFromInt(200), decimal.NewFromFloat(10.4), time.Now()))

	tradePlane := streamlog.NewMemoryLog()
	reg := schema.NewRegistry()
	require.NoError(t, schema.RegisterPipelineV1(reg))
	producer := bus.NewProducer(tradePlane, reg, schema.TradeStreamsV1(),
		bus.WithSourceService("submission"))
	drainer := trade.NewOutboxDrainer(store, producer, 50*time.Millisecond)

	sent, err := drainer.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, sent)

	require.Equal(t, 1, tradePlane.Len(schema.TradeIntentApprovedV1))
	require.Equal(t, 1, tradePlane.Len(schema.TradeSubmitStartedV1))
	require.Equal(t, 1, tradePlane.Len(schema.TradeOrderSubmittedV1))
	require.Equal(t, 1, tradePlane.Len(schema.TradeOrderFilledV1))

	// Drained records stay drained.
	sent, err = drainer.DrainOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)
}

func TestOutboxDrainStopsAtFailedAppend(t *testing.T) {
	store := trade.NewMemStore()
	m := trade.NewMachine(store, trade.NewSimBroker(), "w1")
	ctx := context.Background()

	_, _, err := m.HandleApproval(ctx, approvedIntent("I1"))
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, "I1"))

	// A producer that never declared the lifecycle streams fails every
	// publish; nothing must be marked sent.
	tradePlane := streamlog.NewMemoryLog()
	reg := schema.NewRegistry()
	require.NoError(t, schema.RegisterPipelineV1(reg))
	producer := bus.NewProducer(tradePlane, reg, nil)
	drainer := trade.NewOutboxDrainer(store, producer, 50*time.Millisecond)

	sent, err := drainer.DrainOnce(ctx)
	require.Error(t, err)
	require.Zero(t, sent)

	pending, err := store.PendingOutbox(ctx, 100)
	require.NoError(t, err)
	require.Len(t, pending, 3)
}
