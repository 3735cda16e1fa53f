package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence boundary for the subscription core. It is the
// only mutable shared state; the command service and the reconciler both
// go through it and rely on its optimistic concurrency and unique keys.
type Store interface {
	// InsertSubscription persists a new record. Fails with ErrConflict if
	// the user already occupies an active slot or the provider ref exists.
	InsertSubscription(ctx context.Context, sub *Subscription) error

	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetByProviderRef(ctx context.Context, providerSubRef string) (*Subscription, error)

	// GetActiveForUser returns the user's occupying subscription, or
	// ErrSubscriptionNotFound when none exists.
	GetActiveForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// UpdateSubscription writes the record back, guarded by sub.Version.
	// On success the stored version is incremented and sub reflects it.
	// Fails with ErrStale when another writer won.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// AppendInvoice inserts an invoice; a second insert with the same
	// provider ref is a no-op.
	AppendInvoice(ctx context.Context, inv Invoice) error

	// UpsertInvoice inserts or advances an invoice. Status only moves
	// forward (open to a terminal state); regressions are ignored.
	UpsertInvoice(ctx context.Context, inv Invoice) error

	ListInvoices(ctx context.Context, subscriptionID uuid.UUID) ([]Invoice, error)

	// ApplyEvent runs fn atomically with the recording of the event in the
	// processed-event ledger. If the event was already recorded, fn does
	// not run and ErrDuplicateEvent is returned. fn receives a Store view
	// scoped to the same transaction.
	ApplyEvent(ctx context.Context, eventID string, kind EventKind, fn func(ctx context.Context, tx Store) error) error

	// Customer mapping, 1:1 with users.
	CustomerRef(ctx context.Context, userID uuid.UUID) (string, error)
	UserForCustomerRef(ctx context.Context, customerRef string) (uuid.UUID, error)
	SaveCustomerRef(ctx context.Context, userID uuid.UUID, customerRef string) error

	// Retention.
	ListCanceledBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	DeleteCanceledBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// PruneProcessedEvents removes ledger rows older than the cutoff; the
	// ledger must retain at least the provider's retry horizon.
	PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker is the coarse single-instance lock used by the retention sweeper.
// Implemented by the Postgres store via advisory locks; the in-memory
// store locks within the process.
type Locker interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) error
}
