package billing_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/billing/pkg/billing"
	"github.com/pulsefit/billing/pkg/schedule"
)

func seedCanceled(t *testing.T, store *billing.MemStore, canceledAt time.Time) *billing.Subscription {
	t.Helper()
	sub := newTestSubscription(uuid.New(), billing.StatusCanceled)
	sub.CanceledAt = &canceledAt
	require.NoError(t, store.InsertSubscription(context.Background(), sub))
	return sub
}

func TestSweeperConfigValidation(t *testing.T) {
	t.Parallel()
	store := billing.NewMemStore()

	_, err := billing.NewSweeper(store, store, billing.SweeperConfig{RetentionDays: 0, Cadence: "daily"})
	assert.Error(t, err)

	_, err = billing.NewSweeper(store, store, billing.SweeperConfig{RetentionDays: 30, Cadence: "every other thursday"})
	assert.ErrorIs(t, err, schedule.ErrInvalidCadence)

	_, err = billing.NewSweeper(store, store, billing.SweeperConfig{RetentionDays: 30, Cadence: "weekly"})
	require.NoError(t, err)
}

func TestSweepDeletesExpiredCanceled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemStore()

	expired := seedCanceled(t, store, testNow.AddDate(0, 0, -31))
	fresh := seedCanceled(t, store, testNow.AddDate(0, 0, -29))
	active := newTestSubscription(uuid.New(), billing.StatusActive)
	require.NoError(t, store.InsertSubscription(ctx, active))

	sw, err := billing.NewSweeper(store, store,
		billing.SweeperConfig{RetentionDays: 30, Cadence: "weekly", EventRetentionDays: 30},
		billing.WithSweeperClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	require.NoError(t, sw.Sweep(ctx))

	_, err = store.GetSubscription(ctx, expired.ID)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	_, err = store.GetSubscription(ctx, fresh.ID)
	require.NoError(t, err, "inside the retention window")
	_, err = store.GetSubscription(ctx, active.ID)
	require.NoError(t, err)
}

func TestSweepDryRunDeletesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemStore()

	expired := seedCanceled(t, store, testNow.AddDate(0, 0, -90))

	var logs bytes.Buffer
	sw, err := billing.NewSweeper(store, store,
		billing.SweeperConfig{RetentionDays: 30, Cadence: "daily", DryRun: true, EventRetentionDays: 30},
		billing.WithSweeperClock(func() time.Time { return testNow }),
		billing.WithSweeperLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	require.NoError(t, err)

	require.NoError(t, sw.Sweep(ctx))

	_, err = store.GetSubscription(ctx, expired.ID)
	require.NoError(t, err)
	// The dry run names what it would delete.
	assert.Contains(t, logs.String(), expired.ID.String())
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemStore()

	expired := seedCanceled(t, store, testNow.AddDate(0, 0, -90))

	sw, err := billing.NewSweeper(store, store,
		billing.SweeperConfig{RetentionDays: 30, Cadence: "daily", EventRetentionDays: 30},
		billing.WithSweeperClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	// Another instance holds the lock; this pass is a silent no-op.
	acquired, err := store.TryLock(ctx, billing.SweeperLockKey)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, sw.Sweep(ctx))
	_, err = store.GetSubscription(ctx, expired.ID)
	require.NoError(t, err)

	// Released, the next pass deletes.
	require.NoError(t, store.Unlock(ctx, billing.SweeperLockKey))
	require.NoError(t, sw.Sweep(ctx))
	_, err = store.GetSubscription(ctx, expired.ID)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func TestSweepPrunesOldEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemStore()

	noop := func(ctx context.Context, tx billing.Store) error { return nil }
	require.NoError(t, store.ApplyEvent(ctx, "evt_old", billing.EventUnhandled, noop))
	require.Equal(t, 1, store.ProcessedEventCount())

	sw, err := billing.NewSweeper(store, store,
		billing.SweeperConfig{RetentionDays: 30, Cadence: "daily", EventRetentionDays: 30},
		billing.WithSweeperClock(func() time.Time { return time.Now().UTC().AddDate(0, 0, 60) }))
	require.NoError(t, err)

	require.NoError(t, sw.Sweep(ctx))
	assert.Equal(t, 0, store.ProcessedEventCount())
}
