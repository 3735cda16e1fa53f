package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Reconciler converges local subscription state onto provider webhook
// events. Every event is applied inside one store transaction together with
// its ledger row, so replays return ErrDuplicateEvent without touching
// state and a failed application leaves no ledger row behind.
type Reconciler struct {
	store   Store
	catalog *Catalog
	log     *slog.Logger
	now     func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the reconciler logger.
func WithReconcilerLogger(log *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.log = log }
}

// WithReconcilerClock overrides the time source, for tests.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler wires the event reconciler.
func NewReconciler(store Store, catalog *Catalog, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:   store,
		catalog: catalog,
		log:     slog.New(slog.DiscardHandler),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process applies one normalized provider event. Returns ErrDuplicateEvent
// when the event was already applied; callers treat that as success.
func (r *Reconciler) Process(ctx context.Context, ev *Event) error {
	return r.store.ApplyEvent(ctx, ev.ID, ev.Kind, func(ctx context.Context, tx Store) error {
		switch ev.Kind {
		case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
			return r.applySubscriptionEvent(ctx, tx, ev)
		case EventInvoiceCreated, EventInvoicePaid, EventInvoicePaymentFail, EventInvoiceVoided:
			return r.applyInvoiceEvent(ctx, tx, ev)
		default:
			// Unhandled kinds only leave a ledger row, keeping replays cheap.
			r.log.DebugContext(ctx, "recorded unhandled provider event",
				slog.String("event_id", ev.ID),
				slog.String("provider_event", ev.ProviderEvent))
			return nil
		}
	})
}

func (r *Reconciler) applySubscriptionEvent(ctx context.Context, tx Store, ev *Event) error {
	ps := ev.Subscription
	sub, err := tx.GetByProviderRef(ctx, ps.Ref)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return r.adopt(ctx, tx, ev)
	}
	if err != nil {
		return err
	}

	// Stale updated events lose to state we already hold; the ledger row
	// still lands so the provider's retry of the same event stops here.
	if ev.Kind == EventSubscriptionUpdated && ps.UpdatedAt.Before(sub.UpdatedAt) {
		r.log.InfoContext(ctx, "skipped out-of-order subscription update",
			slog.String("event_id", ev.ID),
			slog.String("subscription_id", sub.ID.String()))
		return nil
	}

	mergeProviderState(sub, ps)
	if ev.Kind == EventSubscriptionDeleted {
		sub.Status = StatusCanceled
		sub.CancelAtPeriodEnd = false
		if sub.CanceledAt == nil {
			t := ev.OccurredAt
			sub.CanceledAt = &t
		}
	}
	sub.LastEventID = ev.ID
	sub.UpdatedAt = ps.UpdatedAt

	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	r.log.InfoContext(ctx, "subscription reconciled",
		slog.String("event_id", ev.ID),
		slog.String("subscription_id", sub.ID.String()),
		slog.String("status", string(sub.Status)))
	return nil
}

// adopt creates a local record for a provider subscription first seen via
// webhook, such as one created out-of-band in the provider dashboard. It
// needs a catalog plan for the price and a resolvable user; otherwise the
// event is recorded and the subscription stays provider-only.
func (r *Reconciler) adopt(ctx context.Context, tx Store, ev *Event) error {
	ps := ev.Subscription
	if ev.Kind == EventSubscriptionDeleted {
		// Nothing local to cancel.
		return nil
	}

	plan, ok := r.catalog.ByPriceRef(ps.PriceRef)
	if !ok {
		r.log.WarnContext(ctx, "cannot adopt provider subscription: price not in catalog",
			slog.String("event_id", ev.ID),
			slog.String("provider_sub_ref", ps.Ref),
			slog.String("price_ref", ps.PriceRef))
		return nil
	}

	userID := ps.UserID
	if userID == uuid.Nil {
		userID, _ = tx.UserForCustomerRef(ctx, ps.CustomerRef)
	}
	if userID == uuid.Nil {
		r.log.WarnContext(ctx, "cannot adopt provider subscription: unknown user",
			slog.String("event_id", ev.ID),
			slog.String("provider_sub_ref", ps.Ref),
			slog.String("customer_ref", ps.CustomerRef))
		return nil
	}

	now := r.now()
	sub := &Subscription{
		ID:                 uuid.New(),
		UserID:             userID,
		PlanID:             plan.ID,
		ProviderSubRef:     ps.Ref,
		Status:             deriveStatus(ps),
		CurrentPeriodStart: ps.CurrentPeriodStart,
		CurrentPeriodEnd:   ps.CurrentPeriodEnd,
		CancelAtPeriodEnd:  ps.CancelAtPeriodEnd,
		CanceledAt:         ps.CanceledAt,
		LastEventID:        ev.ID,
		CreatedAt:          now,
		UpdatedAt:          ps.UpdatedAt,
	}
	if sub.Status != StatusCanceled {
		sub.CanceledAt = nil
	}
	if err := tx.InsertSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrConflict) {
			r.log.WarnContext(ctx, "cannot adopt provider subscription: active slot occupied",
				slog.String("event_id", ev.ID),
				slog.String("provider_sub_ref", ps.Ref),
				slog.String("user_id", userID.String()))
			return nil
		}
		return err
	}
	r.log.InfoContext(ctx, "adopted provider subscription",
		slog.String("event_id", ev.ID),
		slog.String("subscription_id", sub.ID.String()),
		slog.String("provider_sub_ref", ps.Ref))
	return nil
}

func (r *Reconciler) applyInvoiceEvent(ctx context.Context, tx Store, ev *Event) error {
	pi := ev.Invoice
	if pi.SubscriptionRef == "" {
		// One-off invoice, not part of the subscription lifecycle.
		return nil
	}
	sub, err := tx.GetByProviderRef(ctx, pi.SubscriptionRef)
	if errors.Is(err, ErrSubscriptionNotFound) {
		r.log.WarnContext(ctx, "invoice event for unknown subscription",
			slog.String("event_id", ev.ID),
			slog.String("provider_sub_ref", pi.SubscriptionRef))
		return nil
	}
	if err != nil {
		return err
	}

	inv := Invoice{
		ProviderInvoiceRef: pi.Ref,
		SubscriptionID:     sub.ID,
		AmountPaidCents:    pi.AmountPaidCents,
		Status:             pi.Status,
		IssuedAt:           pi.IssuedAt,
		HostedURL:          pi.HostedURL,
		PDFURL:             pi.PDFURL,
	}
	if err := tx.UpsertInvoice(ctx, inv); err != nil {
		return err
	}

	switch ev.Kind {
	case EventInvoicePaid:
		// A settled invoice clears the dunning state; the period roll
		// arrives in the provider's companion subscription.updated event.
		if sub.Status == StatusPastDue {
			return r.setStatus(ctx, tx, sub, StatusActive, ev)
		}
	case EventInvoicePaymentFail:
		if sub.Status == StatusActive || sub.Status == StatusTrialing {
			return r.setStatus(ctx, tx, sub, StatusPastDue, ev)
		}
	}
	return nil
}

func (r *Reconciler) setStatus(ctx context.Context, tx Store, sub *Subscription, status Status, ev *Event) error {
	sub.Status = status
	sub.LastEventID = ev.ID
	sub.UpdatedAt = ev.OccurredAt
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	r.log.InfoContext(ctx, "subscription status moved by invoice event",
		slog.String("event_id", ev.ID),
		slog.String("subscription_id", sub.ID.String()),
		slog.String("status", string(status)))
	return nil
}
