package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// StripeConfig carries the provider credentials and call limits.
type StripeConfig struct {
	SecretKey     string `env:"PROVIDER_SECRET_KEY,required"`
	WebhookSecret string `env:"PROVIDER_WEBHOOK_SECRET,required"`
	// CallTimeoutMS bounds each outbound provider call, in milliseconds.
	CallTimeoutMS int `env:"PROVIDER_CALL_TIMEOUT_MS" envDefault:"15000"`
}

// CallTimeout returns the per-call deadline as a duration.
func (c StripeConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMS) * time.Millisecond
}

// NewStripeGateway builds a gateway with its own API client.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &StripeGateway{api: api, webhookSecret: cfg.WebhookSecret}
}

// mapStripeErr classifies provider failures. Card declines and malformed
// requests are terminal; everything else is treated as transient so callers
// retry.
func mapStripeErr(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return errors.Join(ErrProviderRejected, err)
		}
	}
	return errors.Join(ErrProviderUnavailable, err)
}

func mapStripeStatus(s stripe.SubscriptionStatus) Status {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	case stripe.SubscriptionStatusActive:
		return StatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return StatusCanceled
	default:
		return StatusIncomplete
	}
}

// normalizeSubscription flattens a Stripe subscription into internal
// vocabulary. eventTime stamps UpdatedAt; Stripe payloads carry no
// per-object modification time, so the event's creation time stands in.
func normalizeSubscription(sub *stripe.Subscription, eventTime time.Time) *ProviderSubscription {
	out := &ProviderSubscription{
		Ref:                sub.ID,
		Status:             mapStripeStatus(sub.Status),
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		UpdatedAt:          eventTime,
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceRef = sub.Items.Data[0].Price.ID
	}
	if raw := sub.Metadata["user_id"]; raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			out.UserID = id
		}
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		out.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return out
}

func normalizeInvoice(inv *stripe.Invoice) *ProviderInvoice {
	out := &ProviderInvoice{
		Ref:             inv.ID,
		AmountPaidCents: inv.AmountPaid,
		Status:          mapStripeInvoiceStatus(inv.Status),
		IssuedAt:        time.Unix(inv.Created, 0).UTC(),
		HostedURL:       inv.HostedInvoiceURL,
		PDFURL:          inv.InvoicePDF,
	}
	if inv.Subscription != nil {
		out.SubscriptionRef = inv.Subscription.ID
	}
	return out
}

func mapStripeInvoiceStatus(s stripe.InvoiceStatus) InvoiceStatus {
	switch s {
	case stripe.InvoiceStatusPaid:
		return InvoicePaid
	case stripe.InvoiceStatusVoid:
		return InvoiceVoid
	case stripe.InvoiceStatusUncollectible:
		return InvoiceUncollectible
	default:
		return InvoiceOpen
	}
}

func (g *StripeGateway) EnsureCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"user_id": userID.String(),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("customer:%s", userID))

	cust, err := g.api.Customers.New(params)
	if err != nil {
		return "", mapStripeErr(err)
	}
	return cust.ID, nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PriceRef)},
		},
		DefaultPaymentMethod: stripe.String(req.PaymentMethodToken),
		PaymentBehavior:      stripe.String("default_incomplete"),
		Metadata: map[string]string{
			"user_id": req.UserID.String(),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("%s:create:%s", req.UserID, req.Nonce))
	params.AddExpand("latest_invoice.payment_intent")

	sub, err := g.api.Subscriptions.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return normalizeSubscription(sub, time.Now().UTC()), nil
}

func (g *StripeGateway) CancelImmediate(ctx context.Context, providerSubRef string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	sub, err := g.api.Subscriptions.Cancel(providerSubRef, params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return normalizeSubscription(sub, time.Now().UTC()), nil
}

func (g *StripeGateway) CancelAtPeriodEnd(ctx context.Context, providerSubRef string) (*ProviderSubscription, error) {
	return g.updateCancelFlag(ctx, providerSubRef, true)
}

func (g *StripeGateway) Resume(ctx context.Context, providerSubRef string) (*ProviderSubscription, error) {
	return g.updateCancelFlag(ctx, providerSubRef, false)
}

func (g *StripeGateway) updateCancelFlag(ctx context.Context, providerSubRef string, cancel bool) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx

	sub, err := g.api.Subscriptions.Update(providerSubRef, params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return normalizeSubscription(sub, time.Now().UTC()), nil
}

func (g *StripeGateway) ListInvoices(ctx context.Context, providerSubRef string) ([]ProviderInvoice, error) {
	params := &stripe.InvoiceListParams{
		Subscription: stripe.String(providerSubRef),
	}
	params.Context = ctx

	var out []ProviderInvoice
	iter := g.api.Invoices.List(params)
	for iter.Next() {
		out = append(out, *normalizeInvoice(iter.Invoice()))
	}
	if err := iter.Err(); err != nil {
		return nil, mapStripeErr(err)
	}
	return out, nil
}

// ResolvePrice checks the price exists and is purchasable.
func (g *StripeGateway) ResolvePrice(ctx context.Context, priceRef string) error {
	params := &stripe.PriceParams{}
	params.Context = ctx

	price, err := g.api.Prices.Get(priceRef, params)
	if err != nil {
		return mapStripeErr(err)
	}
	if !price.Active {
		return errors.Join(ErrProviderRejected, fmt.Errorf("price %s is inactive", priceRef))
	}
	return nil
}

// VerifyWebhookSignature authenticates the raw body and normalizes the
// event. Event types outside the handled set come back as EventUnhandled
// with the provider's name preserved for the ledger.
func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, signatureHeader, g.webhookSecret)
	if err != nil {
		return nil, errors.Join(ErrSignatureInvalid, err)
	}

	ev := &Event{
		ID:            stripeEvent.ID,
		OccurredAt:    time.Unix(stripeEvent.Created, 0).UTC(),
		ProviderEvent: string(stripeEvent.Type),
	}

	switch stripeEvent.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrSignatureInvalid, fmt.Errorf("malformed subscription payload: %w", err))
		}
		ev.Subscription = normalizeSubscription(&sub, ev.OccurredAt)
		ev.SubscriptionRef = sub.ID
		switch stripeEvent.Type {
		case "customer.subscription.created":
			ev.Kind = EventSubscriptionCreated
		case "customer.subscription.updated":
			ev.Kind = EventSubscriptionUpdated
		default:
			ev.Kind = EventSubscriptionDeleted
		}

	case "invoice.created", "invoice.paid", "invoice.payment_failed", "invoice.voided", "invoice.marked_uncollectible":
		var inv stripe.Invoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &inv); err != nil {
			return nil, errors.Join(ErrSignatureInvalid, fmt.Errorf("malformed invoice payload: %w", err))
		}
		ev.Invoice = normalizeInvoice(&inv)
		ev.SubscriptionRef = ev.Invoice.SubscriptionRef
		switch stripeEvent.Type {
		case "invoice.created":
			ev.Kind = EventInvoiceCreated
		case "invoice.paid":
			ev.Kind = EventInvoicePaid
		case "invoice.payment_failed":
			ev.Kind = EventInvoicePaymentFail
		default:
			ev.Kind = EventInvoiceVoided
		}

	default:
		ev.Kind = EventUnhandled
	}
	return ev, nil
}
