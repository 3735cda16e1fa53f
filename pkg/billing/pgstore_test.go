package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/billing/pkg/billing"
)

// Advisory locks are session-scoped, so the store refuses them off a
// transaction-scoped view and treats Unlock without a held lock as a no-op
// instead of poking a random pooled session.
func TestPgStoreAdvisoryLockBookkeeping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewPgStore(nil)

	_, err := store.TryLock(ctx, billing.SweeperLockKey)
	assert.ErrorIs(t, err, billing.ErrStorage)

	require.NoError(t, store.Unlock(ctx, billing.SweeperLockKey))
}
