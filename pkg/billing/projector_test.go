package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/billing/pkg/billing"
)

func newTestProjector(t *testing.T, store billing.Store) *billing.Projector {
	t.Helper()
	catalog, err := billing.NewCatalog(testPlans()...)
	require.NoError(t, err)
	return billing.NewProjector(store, catalog,
		billing.WithProjectorClock(func() time.Time { return testNow }))
}

func TestProjectNoSubscription(t *testing.T) {
	t.Parallel()
	proj := newTestProjector(t, billing.NewMemStore())

	got, err := proj.Project(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, got.HasActiveSubscription)
	assert.Empty(t, got.Plan)
	assert.Zero(t, got.DaysLeft)
	assert.Nil(t, got.CurrentPeriodEnd)
}

func TestProjectActiveSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemStore()
	proj := newTestProjector(t, store)
	userID := uuid.New()

	sub := newTestSubscription(userID, billing.StatusActive)
	sub.CurrentPeriodEnd = testNow.AddDate(0, 0, 10)
	require.NoError(t, store.InsertSubscription(ctx, sub))

	got, err := proj.Project(ctx, userID)
	require.NoError(t, err)
	assert.True(t, got.HasActiveSubscription)
	assert.Equal(t, billing.StatusActive, got.Status)
	assert.Equal(t, "1-month", got.Plan)
	assert.Equal(t, "Monthly", got.PlanName)
	assert.Equal(t, 10, got.DaysLeft)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.Equal(t, sub.CurrentPeriodEnd, *got.CurrentPeriodEnd)
}

func TestProjectPastDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemStore()
	proj := newTestProjector(t, store)
	userID := uuid.New()

	sub := newTestSubscription(userID, billing.StatusPastDue)
	// The period boundary is already behind us; days left never goes
	// negative.
	sub.CurrentPeriodEnd = testNow.AddDate(0, 0, -3)
	require.NoError(t, store.InsertSubscription(ctx, sub))

	got, err := proj.Project(ctx, userID)
	require.NoError(t, err)
	assert.False(t, got.HasActiveSubscription, "past_due occupies the slot but grants no access")
	assert.Equal(t, billing.StatusPastDue, got.Status)
	assert.Equal(t, 0, got.DaysLeft)
}

func TestProjectCancelPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemStore()
	proj := newTestProjector(t, store)
	userID := uuid.New()

	sub := newTestSubscription(userID, billing.StatusCancelPending)
	sub.CancelAtPeriodEnd = true
	sub.CurrentPeriodEnd = testNow.Add(20 * time.Hour) // early the next morning
	require.NoError(t, store.InsertSubscription(ctx, sub))

	got, err := proj.Project(ctx, userID)
	require.NoError(t, err)
	assert.True(t, got.HasActiveSubscription, "access lasts until the period boundary")
	assert.True(t, got.CancelAtPeriodEnd)
	assert.Equal(t, 1, got.DaysLeft)
}
