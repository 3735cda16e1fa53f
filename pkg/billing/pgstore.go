package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// methods serve the top-level store and the ApplyEvent transaction view.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is the production Store backed by Postgres. Uniqueness rules live
// in the schema (unique provider refs, a partial unique index for the
// one-active-subscription-per-user rule) and surface as ErrConflict.
type PgStore struct {
	pool *pgxpool.Pool
	db   querier

	// Session advisory locks belong to one Postgres session, so the lock
	// holds a dedicated connection out of the pool until Unlock.
	lockMu   sync.Mutex
	lockConn *pgxpool.Conn
}

// NewPgStore wraps an established connection pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, db: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const subscriptionColumns = `id, user_id, plan_id, provider_sub_ref, status,
	current_period_start, current_period_end, cancel_at_period_end,
	canceled_at, last_event_id, version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.ProviderSubRef, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CanceledAt, &sub.LastEventID, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, errors.Join(ErrStorage, err)
	}
	return &sub, nil
}

func (s *PgStore) InsertSubscription(ctx context.Context, sub *Subscription) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO subscriptions (
			id, user_id, plan_id, provider_sub_ref, status,
			current_period_start, current_period_end, cancel_at_period_end,
			canceled_at, last_event_id, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)
		RETURNING version`,
		sub.ID, sub.UserID, sub.PlanID, sub.ProviderSubRef, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.CanceledAt, sub.LastEventID, sub.CreatedAt, sub.UpdatedAt,
	).Scan(&sub.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return errors.Join(ErrStorage, err)
	}
	return nil
}

func (s *PgStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (s *PgStore) GetByProviderRef(ctx context.Context, providerSubRef string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_sub_ref = $1`, providerSubRef))
}

func (s *PgStore) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = $1
		   AND status IN ('trialing', 'active', 'past_due', 'cancel_pending')`, userID))
}

func (s *PgStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET
			plan_id = $1, status = $2,
			current_period_start = $3, current_period_end = $4,
			cancel_at_period_end = $5, canceled_at = $6,
			last_event_id = $7, version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10`,
		sub.PlanID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.CanceledAt,
		sub.LastEventID, sub.UpdatedAt,
		sub.ID, sub.Version,
	)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row moved past our version or it is gone.
		if _, getErr := s.GetSubscription(ctx, sub.ID); getErr != nil {
			return getErr
		}
		return ErrStale
	}
	sub.Version++
	return nil
}

func (s *PgStore) AppendInvoice(ctx context.Context, inv Invoice) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO invoices (
			provider_invoice_ref, subscription_id, amount_paid_cents,
			status, issued_at, hosted_url, pdf_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_invoice_ref) DO NOTHING`,
		inv.ProviderInvoiceRef, inv.SubscriptionID, inv.AmountPaidCents,
		inv.Status, inv.IssuedAt, inv.HostedURL, inv.PDFURL,
	)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	return nil
}

func (s *PgStore) UpsertInvoice(ctx context.Context, inv Invoice) error {
	// Invoice status only settles forward from open; the WHERE clause on
	// the conflict branch drops regressions while still refreshing the
	// provider-owned presentation fields for same-status updates.
	_, err := s.db.Exec(ctx, `
		INSERT INTO invoices (
			provider_invoice_ref, subscription_id, amount_paid_cents,
			status, issued_at, hosted_url, pdf_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_invoice_ref) DO UPDATE SET
			amount_paid_cents = EXCLUDED.amount_paid_cents,
			status = EXCLUDED.status,
			issued_at = EXCLUDED.issued_at,
			hosted_url = EXCLUDED.hosted_url,
			pdf_url = EXCLUDED.pdf_url
		WHERE invoices.status = 'open' OR invoices.status = EXCLUDED.status`,
		inv.ProviderInvoiceRef, inv.SubscriptionID, inv.AmountPaidCents,
		inv.Status, inv.IssuedAt, inv.HostedURL, inv.PDFURL,
	)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	return nil
}

func (s *PgStore) ListInvoices(ctx context.Context, subscriptionID uuid.UUID) ([]Invoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT provider_invoice_ref, subscription_id, amount_paid_cents,
		       status, issued_at, hosted_url, pdf_url
		FROM invoices
		WHERE subscription_id = $1
		ORDER BY issued_at, provider_invoice_ref`, subscriptionID)
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(
			&inv.ProviderInvoiceRef, &inv.SubscriptionID, &inv.AmountPaidCents,
			&inv.Status, &inv.IssuedAt, &inv.HostedURL, &inv.PDFURL,
		); err != nil {
			return nil, errors.Join(ErrStorage, err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	return out, nil
}

func (s *PgStore) ApplyEvent(ctx context.Context, eventID string, kind EventKind, fn func(ctx context.Context, tx Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; record and run in place.
		return s.recordAndRun(ctx, eventID, kind, fn)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	txStore := &PgStore{db: tx}
	if err := txStore.recordAndRun(ctx, eventID, kind, fn); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Join(ErrStorage, err)
	}
	return nil
}

func (s *PgStore) recordAndRun(ctx context.Context, eventID string, kind EventKind, fn func(ctx context.Context, tx Store) error) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (provider_event_id, kind, received_at)
		VALUES ($1, $2, now())
		ON CONFLICT (provider_event_id) DO NOTHING`, eventID, kind)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return fn(ctx, s)
}

func (s *PgStore) CustomerRef(ctx context.Context, userID uuid.UUID) (string, error) {
	var ref string
	err := s.db.QueryRow(ctx,
		`SELECT customer_ref FROM customers WHERE user_id = $1`, userID).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrCustomerNotFound
		}
		return "", errors.Join(ErrStorage, err)
	}
	return ref, nil
}

func (s *PgStore) UserForCustomerRef(ctx context.Context, customerRef string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT user_id FROM customers WHERE customer_ref = $1`, customerRef).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrCustomerNotFound
		}
		return uuid.Nil, errors.Join(ErrStorage, err)
	}
	return userID, nil
}

func (s *PgStore) SaveCustomerRef(ctx context.Context, userID uuid.UUID, customerRef string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO customers (user_id, customer_ref)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET customer_ref = EXCLUDED.customer_ref`,
		userID, customerRef)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	return nil
}

func (s *PgStore) ListCanceledBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM subscriptions
		WHERE status = 'canceled' AND canceled_at < $1`, cutoff)
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Join(ErrStorage, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	return out, nil
}

func (s *PgStore) DeleteCanceledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM subscriptions
		WHERE status = 'canceled' AND canceled_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Join(ErrStorage, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM processed_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Join(ErrStorage, err)
	}
	return tag.RowsAffected(), nil
}

// TryLock acquires a session-scoped advisory lock, so only one process runs
// the retention sweep at a time. The lock and its later Unlock must run on
// the same session, so the connection is pinned rather than borrowed per
// call from the pool.
func (s *PgStore) TryLock(ctx context.Context, key int64) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.pool == nil {
		return false, errors.Join(ErrStorage, errors.New("advisory locks require a pool-backed store"))
	}
	if s.lockConn != nil {
		// This process already holds a lock.
		return false, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, errors.Join(ErrStorage, err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return false, errors.Join(ErrStorage, err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}
	s.lockConn = conn
	return true, nil
}

// Unlock releases the advisory lock on the session that took it and returns
// the pinned connection to the pool. A no-op when no lock is held.
func (s *PgStore) Unlock(ctx context.Context, key int64) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.lockConn == nil {
		return nil
	}

	_, err := s.lockConn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
	s.lockConn.Release()
	s.lockConn = nil
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	return nil
}
