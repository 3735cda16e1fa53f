package billing

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	// StatusCancelPending means the provider has scheduled cancellation at
	// period end but the subscription is still usable.
	StatusCancelPending Status = "cancel_pending"
)

// Occupies reports whether a subscription in this status counts against
// the one-active-subscription-per-user rule.
func (s Status) Occupies() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCancelPending:
		return true
	}
	return false
}

// GrantsAccess reports whether the status entitles the user to the product.
func (s Status) GrantsAccess() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusCancelPending:
		return true
	}
	return false
}

// Subscription is the internal record mirroring one provider subscription.
type Subscription struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	PlanID             string
	ProviderSubRef     string
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	LastEventID        string
	// Version guards updates: writers must present the version they read,
	// and a mismatch fails with ErrStale.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsCanceled returns true once the subscription reached its terminal state.
func (s *Subscription) IsCanceled() bool {
	return s.Status == StatusCanceled
}

// InvoiceStatus is the provider-reported state of an invoice.
type InvoiceStatus string

const (
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// CanTransitionTo enforces forward-only invoice status movement: open may
// settle into any terminal state, terminal states never change.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	if s == next {
		return true
	}
	return s == InvoiceOpen
}

// Invoice is an append-only record of one provider invoice.
type Invoice struct {
	ProviderInvoiceRef string
	SubscriptionID     uuid.UUID
	AmountPaidCents    int64
	Status             InvoiceStatus
	IssuedAt           time.Time
	HostedURL          string
	PDFURL             string
}

// ProcessedEvent is one row of the webhook deduplication ledger.
type ProcessedEvent struct {
	ProviderEventID string
	Kind            EventKind
	ReceivedAt      time.Time
}

// Caller identifies the authenticated principal behind a command.
type Caller struct {
	UserID uuid.UUID
	Admin  bool
}

// CanAccess reports whether the caller may operate on the subscription.
func (c Caller) CanAccess(sub *Subscription) bool {
	return c.Admin || c.UserID == sub.UserID
}
