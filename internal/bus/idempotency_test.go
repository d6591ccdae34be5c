package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/bus"
)

func TestFirstSightWinsOnce(t *testing.T) {
	store := bus.NewMemoryIdempotency()
	ctx := context.Background()

	first, err := store.FirstSight(ctx, "g", "e1", time.Minute)
	require.NoError(t, err)
	require.True(t, first)

	again, err := store.FirstSight(ctx, "g", "e1", time.Minute)
	require.NoError(t, err)
	require.False(t, again)

	// A different group sees the same event id fresh.
	other, err := store.FirstSight(ctx, "g2", "e1", time.Minute)
	require.NoError(t, err)
	require.True(t, other)
}

func TestReleaseReopensReservation(t *testing.T) {
	store := bus.NewMemoryIdempotency()
	ctx := context.Background()

	first, err := store.FirstSight(ctx, "g", "e1", time.Minute)
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, store.Release(ctx, "g", "e1"))

	retry, err := store.FirstSight(ctx, "g", "e1", time.Minute)
	require.NoError(t, err)
	require.True(t, retry)
}

func TestCompleteFreezesDigest(t *testing.T) {
	store := bus.NewMemoryIdempotency()
	ctx := context.Background()

	_, err := store.FirstSight(ctx, "g", "e1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "g", "e1", "processed", time.Minute))

	// Release must not drop a completed key.
	require.NoError(t, store.Release(ctx, "g", "e1"))
	first, err := store.FirstSight(ctx, "g", "e1", time.Minute)
	require.NoError(t, err)
	require.False(t, first)

	// Re-completing with the same digest is fine; a different digest is not.
	require.NoError(t, store.Complete(ctx, "g", "e1", "processed", time.Minute))
	err = store.Complete(ctx, "g", "e1", "dead_lettered", time.Minute)
	require.True(t, errs.HasCode(err, errs.CodeConflict))
}

func TestIncrAttemptsCounts(t *testing.T) {
	store := bus.NewMemoryIdempotency()
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := store.IncrAttempts(ctx, "g", "e1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
}
