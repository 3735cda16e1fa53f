package subscription

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pulsefit/billing/pkg/billing"
)

// All responses share the {success, data | error} envelope.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeError maps domain errors onto the wire taxonomy.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	code, status := classify(err)

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.String("code", code), slog.Any("error", err))
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Storage details stay in the logs.
		msg = "internal error"
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &apiError{Code: code, Message: msg}})
}

func classify(err error) (string, int) {
	switch {
	case errors.Is(err, billing.ErrPlanUnknown):
		return "plan-unknown", http.StatusBadRequest
	case errors.Is(err, billing.ErrAlreadySubscribed):
		return "already-subscribed", http.StatusConflict
	case errors.Is(err, billing.ErrNotResumable):
		return "not-resumable", http.StatusConflict
	case errors.Is(err, billing.ErrForbidden):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, billing.ErrSubscriptionNotFound), errors.Is(err, billing.ErrCustomerNotFound):
		return "not-found", http.StatusNotFound
	case errors.Is(err, billing.ErrProviderUnavailable):
		return "provider-unavailable", http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrProviderRejected):
		return "provider-rejected", http.StatusPaymentRequired
	case errors.Is(err, billing.ErrSignatureInvalid):
		return "signature-invalid", http.StatusBadRequest
	case errors.Is(err, billing.ErrStale):
		// Lost an optimistic-concurrency race with a concurrent webhook;
		// the same request succeeds on retry.
		return "conflict", http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrConflict):
		return "conflict", http.StatusConflict
	case errors.Is(err, errBadRequest):
		return "invalid-request", http.StatusBadRequest
	default:
		return "storage-error", http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("invalid request")

// subscriptionResponse is the wire shape of one subscription record.
type subscriptionResponse struct {
	ID                 string     `json:"id"`
	PlanID             string     `json:"planId"`
	Status             string     `json:"status"`
	CurrentPeriodStart time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time  `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool       `json:"cancelAtPeriodEnd"`
	CanceledAt         *time.Time `json:"canceledAt,omitempty"`
}

func renderSubscription(sub *billing.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                 sub.ID.String(),
		PlanID:             sub.PlanID,
		Status:             string(sub.Status),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
	}
}

type planResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unitPriceCents"`
	Interval       string `json:"interval"`
	IntervalCount  int    `json:"intervalCount"`
}

func renderPlans(plans []billing.Plan) []planResponse {
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResponse{
			ID:             p.ID,
			Name:           p.Name,
			UnitPriceCents: p.UnitPriceCents,
			Interval:       string(p.Unit),
			IntervalCount:  p.IntervalCount,
		})
	}
	return out
}

type invoiceResponse struct {
	ID              string    `json:"id"`
	AmountPaidCents int64     `json:"amountPaidCents"`
	Status          string    `json:"status"`
	IssuedAt        time.Time `json:"issuedAt"`
	HostedURL       string    `json:"hostedUrl,omitempty"`
	PDFURL          string    `json:"pdfUrl,omitempty"`
}

func renderInvoices(invoices []billing.Invoice) []invoiceResponse {
	out := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, invoiceResponse{
			ID:              inv.ProviderInvoiceRef,
			AmountPaidCents: inv.AmountPaidCents,
			Status:          string(inv.Status),
			IssuedAt:        inv.IssuedAt,
			HostedURL:       inv.HostedURL,
			PDFURL:          inv.PDFURL,
		})
	}
	return out
}
