package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service executes user-facing subscription commands. The provider owns the
// billing truth; the service issues provider calls first and mirrors the
// returned state locally, so a webhook replaying the same change later is a
// no-op.
type Service struct {
	store           Store
	gateway         Gateway
	catalog         *Catalog
	log             *slog.Logger
	now             func() time.Time
	providerTimeout time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithProviderTimeout bounds each provider call.
func WithProviderTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.providerTimeout = d }
}

// NewService wires the command service.
func NewService(store Store, gateway Gateway, catalog *Catalog, opts ...ServiceOption) *Service {
	s := &Service{
		store:           store,
		gateway:         gateway,
		catalog:         catalog,
		log:             slog.New(slog.DiscardHandler),
		now:             func() time.Time { return time.Now().UTC() },
		providerTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Plans lists the purchasable catalog.
func (s *Service) Plans() []Plan {
	return s.catalog.Plans()
}

// StartSubscriptionRequest carries a start command.
type StartSubscriptionRequest struct {
	Caller             Caller
	PlanID             string
	Email              string
	PaymentMethodToken string
	// Nonce is the client's attempt identifier; retries of the same attempt
	// reuse it so the provider deduplicates the create call.
	Nonce string
}

// StartResult is the outcome of a successful start command.
type StartResult struct {
	Subscription *Subscription
	// ClientSecret is non-empty when the first payment needs client-side
	// confirmation before the subscription activates.
	ClientSecret string
}

// StartSubscription opens a subscription for the caller. The active-slot
// check runs before any provider call, so an already-subscribed user never
// causes provider traffic.
func (s *Service) StartSubscription(ctx context.Context, req StartSubscriptionRequest) (*StartResult, error) {
	plan, err := s.catalog.Lookup(req.PlanID)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetActiveForUser(ctx, req.Caller.UserID); err == nil {
		return nil, ErrAlreadySubscribed
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	customerRef, err := s.ensureCustomer(ctx, req.Caller.UserID, req.Email)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	ps, err := s.gateway.CreateSubscription(pctx, CreateSubscriptionRequest{
		UserID:             req.Caller.UserID,
		CustomerRef:        customerRef,
		PriceRef:           plan.ProviderPriceRef,
		PaymentMethodToken: req.PaymentMethodToken,
		Nonce:              req.Nonce,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	sub := &Subscription{
		ID:                 uuid.New(),
		UserID:             req.Caller.UserID,
		PlanID:             plan.ID,
		ProviderSubRef:     ps.Ref,
		Status:             deriveStatus(ps),
		CurrentPeriodStart: ps.CurrentPeriodStart,
		CurrentPeriodEnd:   ps.CurrentPeriodEnd,
		CancelAtPeriodEnd:  ps.CancelAtPeriodEnd,
		CanceledAt:         ps.CanceledAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if sub.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = plan.PeriodEnd(now)
	}
	if sub.Status != StatusCanceled {
		sub.CanceledAt = nil
	}

	if err := s.store.InsertSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrConflict) {
			// The provider subscription exists but the slot is taken; the
			// reconciler adopts or converges it from the provider's webhooks,
			// so no provider-side rollback here.
			s.log.WarnContext(ctx, "subscription insert conflict after provider create",
				slog.String("provider_sub_ref", ps.Ref),
				slog.String("user_id", req.Caller.UserID.String()))
			return nil, ErrAlreadySubscribed
		}
		s.log.ErrorContext(ctx, "subscription insert failed after provider create",
			slog.String("provider_sub_ref", ps.Ref),
			slog.Any("error", err))
		return nil, err
	}

	s.log.InfoContext(ctx, "subscription started",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("plan_id", plan.ID),
		slog.String("status", string(sub.Status)))

	return &StartResult{Subscription: sub, ClientSecret: ps.ClientSecret}, nil
}

func (s *Service) ensureCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	ref, err := s.store.CustomerRef(ctx, userID)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, ErrCustomerNotFound) {
		return "", err
	}

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	ref, err = s.gateway.EnsureCustomer(pctx, userID, email)
	if err != nil {
		return "", err
	}
	if err := s.store.SaveCustomerRef(ctx, userID, ref); err != nil {
		return "", err
	}
	return ref, nil
}

// CancelSubscription cancels the caller's subscription, immediately or at
// the period boundary. Repeating an already-applied cancel returns the
// current state without another provider call.
func (s *Service) CancelSubscription(ctx context.Context, caller Caller, subscriptionID uuid.UUID, immediate bool) (*Subscription, error) {
	sub, err := s.loadOwned(ctx, caller, subscriptionID)
	if err != nil {
		return nil, err
	}

	if sub.IsCanceled() {
		return sub, nil
	}
	if !immediate && sub.Status == StatusCancelPending {
		return sub, nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	var ps *ProviderSubscription
	if immediate {
		ps, err = s.gateway.CancelImmediate(pctx, sub.ProviderSubRef)
	} else {
		ps, err = s.gateway.CancelAtPeriodEnd(pctx, sub.ProviderSubRef)
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.applyProviderState(ctx, sub.ID, ps)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "subscription cancel requested",
		slog.String("subscription_id", sub.ID.String()),
		slog.Bool("immediate", immediate),
		slog.String("status", string(updated.Status)))
	return updated, nil
}

// ResumeSubscription clears a pending cancellation.
func (s *Service) ResumeSubscription(ctx context.Context, caller Caller, subscriptionID uuid.UUID) (*Subscription, error) {
	sub, err := s.loadOwned(ctx, caller, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusCancelPending {
		return nil, ErrNotResumable
	}

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	ps, err := s.gateway.Resume(pctx, sub.ProviderSubRef)
	if err != nil {
		return nil, err
	}

	updated, err := s.applyProviderState(ctx, sub.ID, ps)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "subscription resumed",
		slog.String("subscription_id", sub.ID.String()))
	return updated, nil
}

// ListInvoices returns the invoice history for a subscription. The local
// ledger is refreshed from the provider first so presentation URLs stay
// current; provider unavailability degrades to the local copy.
func (s *Service) ListInvoices(ctx context.Context, caller Caller, subscriptionID uuid.UUID) ([]Invoice, error) {
	sub, err := s.loadOwned(ctx, caller, subscriptionID)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	provider, err := s.gateway.ListInvoices(pctx, sub.ProviderSubRef)
	if err != nil {
		s.log.WarnContext(ctx, "invoice refresh from provider failed, serving local copy",
			slog.String("subscription_id", sub.ID.String()),
			slog.Any("error", err))
	} else {
		for _, pi := range provider {
			inv := Invoice{
				ProviderInvoiceRef: pi.Ref,
				SubscriptionID:     sub.ID,
				AmountPaidCents:    pi.AmountPaidCents,
				Status:             pi.Status,
				IssuedAt:           pi.IssuedAt,
				HostedURL:          pi.HostedURL,
				PDFURL:             pi.PDFURL,
			}
			if err := s.store.UpsertInvoice(ctx, inv); err != nil {
				return nil, err
			}
		}
	}

	return s.store.ListInvoices(ctx, sub.ID)
}

func (s *Service) loadOwned(ctx context.Context, caller Caller, subscriptionID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(sub) {
		return nil, ErrForbidden
	}
	return sub, nil
}

// applyProviderState writes the provider's current view over the local
// record, retrying the optimistic update when a webhook lands concurrently.
func (s *Service) applyProviderState(ctx context.Context, id uuid.UUID, ps *ProviderSubscription) (*Subscription, error) {
	const maxAttempts = 3
	for attempt := 0; ; attempt++ {
		sub, err := s.store.GetSubscription(ctx, id)
		if err != nil {
			return nil, err
		}

		mergeProviderState(sub, ps)
		sub.UpdatedAt = s.now()

		err = s.store.UpdateSubscription(ctx, sub)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrStale) || attempt == maxAttempts-1 {
			return nil, err
		}
	}
}

// mergeProviderState copies provider-owned fields into the local record and
// derives the effective status.
func mergeProviderState(sub *Subscription, ps *ProviderSubscription) {
	sub.Status = deriveStatus(ps)
	sub.CurrentPeriodStart = ps.CurrentPeriodStart
	sub.CurrentPeriodEnd = ps.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = ps.CancelAtPeriodEnd
	sub.CanceledAt = ps.CanceledAt
	if sub.Status == StatusCanceled && sub.CanceledAt == nil {
		t := ps.UpdatedAt
		sub.CanceledAt = &t
	}
	if sub.Status != StatusCanceled {
		sub.CanceledAt = nil
	}
}

// deriveStatus folds the provider's cancel-at-period-end flag into the
// status: a still-usable subscription with a scheduled cancellation shows
// as cancel_pending.
func deriveStatus(ps *ProviderSubscription) Status {
	if ps.CancelAtPeriodEnd && ps.Status.GrantsAccess() {
		return StatusCancelPending
	}
	return ps.Status
}
