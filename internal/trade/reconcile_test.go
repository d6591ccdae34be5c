package trade_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/trade"
)

// parkUnknown drives an intent into SUBMIT_UNKNOWN via an ambiguous send.
func parkUnknown(t *testing.T, store trade.Store, broker *trade.SimBroker, m *trade.Machine, intentID string) {
	t.Helper()
	ctx := context.Background()
	broker.Script(intentID, trade.SubmitResult{Outcome: trade.SubmitUnknown, Raw: "timeout"})
	_, _, err := m.HandleApproval(ctx, approvedIntent(intentID))
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, intentID))
	state, err := m.IntentState(ctx, intentID)
	require.NoError(t, err)
	require.Equal(t, trade.StateSubmitUnknown, state)
}

func TestReconcilerFindsOrderAtBroker(t *testing.T) {
	store := trade.NewMemStore()
	broker := trade.NewSimBroker()
	m := trade.NewMachine(store, broker, "w1")
	ctx := context.Background()
	parkUnknown(t, store, broker, m, "I1")

	// The broker did receive the order despite the lost response.
	broker.AddOpenOrder(trade.OpenOrder{
		BrokerOrderID: "B-77",
		Remark:        "intent:I1",
		CumQty:        decimal.Zero,
	})

	r := trade.NewReconciler(store, m, broker, time.Second, nil)
	require.NoError(t, r.RunOnce(ctx))

	state, err := m.IntentState(ctx, "I1")
	require.NoError(t, err)
	require.Equal(t, trade.StateSubmitted, state)
	require.Contains(t, outboxStreams(t, store), schema.TradeReconciledV1)

	// A later pass sweeps the fills the machine never saw.
	broker.AddFill(trade.BrokerFill{
		BrokerFillID:  "BF-1",
		BrokerOrderID: "B-77",
		Qty:           decimal.NewFromInt(200),
		Price:         decimal.NewFromFloat(10.4),
		TS:            time.Now(),
	})
	require.NoError(t, r.RunOnce(ctx))

	state, err = m.IntentState(ctx, "I1")
	require.NoError(t, err)
	require.Equal(t, trade.StateFilled, state)
	require.Contains(t, outboxStreams(t, store), schema.TradeOrderFilledV1)
}

func TestReconcilerConfirmedAbsentResubmitsUnaided(t *testing.T) {
	store := trade.NewMemStore()
	broker := trade.NewSimBroker()
	m := trade.NewMachine(store, broker, "w1")
	ctx := context.Background()
	parkUnknown(t, store, broker, m, "I1")
	require.Len(t, broker.Requests(), 1)

	// One pass must carry the intent all the way through: confirmed absent,
	// back to SUBMITTING, and re-driven to the broker. The approval event was
	// consumed long ago, so nobody else can restart the attempt.
	r := trade.NewReconciler(store, m, broker, time.Second, nil)
	require.NoError(t, r.RunOnce(ctx))

	state, err := m.IntentState(ctx, "I1")
	require.NoError(t, err)
	require.Equal(t, trade.StateSubmitted, state)
	require.Len(t, broker.Requests(), 2)

	streams := outboxStreams(t, store)
	require.Contains(t, streams, schema.TradeSubmitRetryV1)
	require.Contains(t, streams, schema.TradeOrderSubmittedV1)
}

func TestReconcilerResubmitRoundTripsThroughUnknown(t *testing.T) {
	store := trade.NewMemStore()
	broker := trade.NewSimBroker()
	m := trade.NewMachine(store, broker, "w1")
	ctx := context.Background()
	parkUnknown(t, store, broker, m, "I1")

	// The resubmission itself times out; the intent parks unknown again and
	// the following pass resolves it.
	broker.Script("I1", trade.SubmitResult{Outcome: trade.SubmitUnknown, Raw: "timeout"})
	r := trade.NewReconciler(store, m, broker, time.Second, nil)
	require.NoError(t, r.RunOnce(ctx))

	state, err := m.IntentState(ctx, "I1")
	require.NoError(t, err)
	require.Equal(t, trade.StateSubmitUnknown, state)

	require.NoError(t, r.RunOnce(ctx))
	state, err = m.IntentState(ctx, "I1")
	require.NoError(t, err)
	require.Equal(t, trade.StateSubmitted, state)
	require.Len(t, broker.Requests(), 3)
}

func TestReconcilerFillSweepSkipsRecordedFills(t *testing.T) {
	store := trade.NewMemStore()
	broker := trade.NewSimBroker()
	m := trade.NewMachine(store, broker, "w1")
	ctx := context.Background()

	_, _, err := m.HandleApproval(ctx, approvedIntent("I1"))
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, "I1"))

	open, err := broker.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	brokerOrderID := open[0].BrokerOrderID

	// The machine already recorded BF-1; the broker's feed replays it
	// alongside a fill the machine never saw.
	now := time.Now()
	require.NoError(t, m.RecordFill(ctx, "I1", "BF-1", decimal.NewFromInt(50), decimal.NewFromFloat(10.4), now))
	broker.AddFill(trade.BrokerFill{
		BrokerFillID: "BF-1", BrokerOrderID: brokerOrderID,
		Qty: decimal.NewFromInt(50), Price: decimal.NewFromFloat(10.4), TS: now,
	})
	broker.AddFill(trade.BrokerFill{
		BrokerFillID: "BF-2", BrokerOrderID: brokerOrderID,
		Qty: decimal.NewFromInt(150), Price: decimal.NewFromFloat(10.5), TS: now,
	})

	r := trade.NewReconciler(store, m, broker, time.Second, nil)
	require.NoError(t, r.RunOnce(ctx))

	state, err := m.IntentState(ctx, "I1")
	require.NoError(t, err)
	require.Equal(t, trade.StateFilled, state)

	// Only the machine's own BF-1 and the swept BF-2 produced events.
	recorded, filled := 0, 0
	for _, stream := range outboxStreams(t, store) {
		switch stream {
		case schema.TradeFillRecordedV1:
			recorded++
		case schema.TradeOrderFilledV1:
			filled++
		}
	}
	require.Equal(t, 1, recorded)
	require.Equal(t, 1, filled)
}

func TestReconcilerAmbiguityIsRateLimited(t *testing.T) {
	store := trade.NewMemStore()
	broker := trade.NewSimBroker()
	m := trade.NewMachine(store, broker, "w1")
	ctx := context.Background()
	parkUnknown(t, store, broker, m, "I1")

	// Two broker orders both claim this intent.
	broker.AddOpenOrder(trade.OpenOrder{BrokerOrderID: "B-1", Remark: "intent:I1"})
	broker.AddOpenOrder(trade.OpenOrder{BrokerOrderID: "B-2", Remark: "intent:I1"})

	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	r := trade.NewReconciler(store, m, broker, time.Second, limiter)
	require.NoError(t, r.RunOnce(ctx))
	require.NoError(t, r.RunOnce(ctx))

	state, err := m.IntentState(ctx, "I1")
	require.NoError(t, err)
	require.Equal(t, trade.StateSubmitUnknown, state)

	// The second escalation is suppressed by the alert limiter, and the one
	// emitted reason identifies the ambiguity error class.
	reasons := escalationReasons(t, store)
	require.Len(t, reasons, 1)
	require.Contains(t, reasons[0], string(errs.CodeReconcileAmbiguous))
}

// escalationReasons decodes every reconcile-ambiguous event in the outbox and
// returns its detail.reason.
func escalationReasons(t *testing.T, store trade.Store) []string {
	t.Helper()
	pending, err := store.PendingOutbox(context.Background(), 100)
	require.NoError(t, err)
	var reasons []string
	for _, record := range pending {
		if record.Stream != schema.TradeReconcileAmbiguousV1 {
			continue
		}
		env, err := schema.Decode(record.Body)
		require.NoError(t, err)
		detail, ok := env.Payload["detail"].(map[string]any)
		require.True(t, ok)
		reason, ok := detail["reason"].(string)
		require.True(t, ok)
		reasons = append(reasons, reason)
	}
	return reasons
}

func TestReconcilerRejectsForeignBrokerOrderID(t *testing.T) {
	store := trade.NewMemStore()
	broker := trade.NewSimBroker()
	m := trade.NewMachine(store, broker, "w1")
	ctx := context.Background()

	// I1 submits normally and owns its broker order id.
	_, _, err := m.HandleApproval(ctx, approvedIntent("I1"))
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, "I1"))

	requests := broker.Requests()
	require.NotEmpty(t, requests)
	open, err := broker.OpenOrders(ctx)
	require.NoError(t, err)
	ownedID := open[0].BrokerOrderID

	// I2 parks unknown, then a buggy match hands it I1's broker order id.
	parkUnknown(t, store, broker, m, "I2")
	err = m.ResolveFound(ctx, "I2", ownedID, decimal.Zero)
	require.Error(t, err)

	state, err := m.IntentState(ctx, "I2")
	require.NoError(t, err)
	require.Equal(t, trade.StateSubmitUnknown, state)
}
