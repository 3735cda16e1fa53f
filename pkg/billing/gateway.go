package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Gateway is the thin capability over the payment provider. Implementations
// map provider failures to ErrProviderUnavailable (transient, retryable) or
// ErrProviderRejected (terminal, surfaced to the caller), and attach an
// idempotency key to every mutating call.
type Gateway interface {
	// EnsureCustomer returns the provider customer reference for a user,
	// creating the customer on first use. Idempotent on userID.
	EnsureCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error)

	// CreateSubscription starts a provider subscription and returns its
	// initial state, including the client confirmation secret when the
	// first payment requires client-side confirmation.
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ProviderSubscription, error)

	// CancelImmediate cancels now; the returned state is terminal.
	CancelImmediate(ctx context.Context, providerSubRef string) (*ProviderSubscription, error)

	// CancelAtPeriodEnd schedules cancellation for the period boundary.
	CancelAtPeriodEnd(ctx context.Context, providerSubRef string) (*ProviderSubscription, error)

	// Resume clears a scheduled cancellation.
	Resume(ctx context.Context, providerSubRef string) (*ProviderSubscription, error)

	// ListInvoices returns the provider's invoice history for a subscription.
	ListInvoices(ctx context.Context, providerSubRef string) ([]ProviderInvoice, error)

	// VerifyWebhookSignature authenticates a raw webhook body against its
	// signature header and returns the normalized event, or
	// ErrSignatureInvalid.
	VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error)

	PriceResolver
}

// CreateSubscriptionRequest carries everything a provider needs to open a
// subscription. Nonce feeds the idempotency key so client retries of the
// same attempt cannot double-subscribe at the provider.
type CreateSubscriptionRequest struct {
	UserID             uuid.UUID
	CustomerRef        string
	PriceRef           string
	PaymentMethodToken string
	Nonce              string
}

// ProviderSubscription is the provider's view of one subscription,
// normalized into internal vocabulary.
type ProviderSubscription struct {
	Ref                string
	CustomerRef        string
	Status             Status
	PriceRef           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	// UserID is recovered from provider metadata when present; zero when
	// the payload carried none.
	UserID uuid.UUID
	// ClientSecret is only set on creation responses.
	ClientSecret string
	// UpdatedAt is the provider-side timestamp of this state, used to
	// detect out-of-order delivery.
	UpdatedAt time.Time
}

// ProviderInvoice is the provider's view of one invoice.
type ProviderInvoice struct {
	Ref             string
	SubscriptionRef string
	AmountPaidCents int64
	Status          InvoiceStatus
	IssuedAt        time.Time
	HostedURL       string
	PDFURL          string
}

// EventKind is the normalized webhook event type.
type EventKind string

const (
	EventSubscriptionCreated EventKind = "subscription.created"
	EventSubscriptionUpdated EventKind = "subscription.updated"
	EventSubscriptionDeleted EventKind = "subscription.deleted"
	EventInvoiceCreated      EventKind = "invoice.created"
	EventInvoicePaid         EventKind = "invoice.paid"
	EventInvoicePaymentFail  EventKind = "invoice.payment_failed"
	EventInvoiceVoided       EventKind = "invoice.voided"
	// EventUnhandled marks provider events the core does not act on; they
	// are still recorded in the ledger so replays stay cheap.
	EventUnhandled EventKind = "unhandled"
)

// Event is a normalized provider webhook event.
type Event struct {
	ID         string
	Kind       EventKind
	OccurredAt time.Time
	// ProviderEvent preserves the provider's original event name for logs.
	ProviderEvent string
	// SubscriptionRef identifies the affected subscription; set for every
	// kind the core handles.
	SubscriptionRef string
	// Subscription carries the full payload for subscription.* events.
	Subscription *ProviderSubscription
	// Invoice carries the payload for invoice.* events.
	Invoice *ProviderInvoice
}
