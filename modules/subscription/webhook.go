package subscription

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pulsefit/billing/pkg/billing"
)

// maxWebhookBody bounds provider payload size.
const maxWebhookBody = 1 << 20

// SignatureHeader is the provider's webhook signature header.
const SignatureHeader = "Stripe-Signature"

// WebhookHandler ingests provider webhooks: it verifies the signature over
// the raw body, normalizes the event, and hands it to the reconciler. The
// response code steers the provider's retry behavior: 2xx stops retries,
// 5xx requests another delivery.
type WebhookHandler struct {
	verifier   billing.Gateway
	reconciler *billing.Reconciler
	log        *slog.Logger
}

// NewWebhookHandler wires the webhook ingestor.
func NewWebhookHandler(verifier billing.Gateway, reconciler *billing.Reconciler, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &WebhookHandler{verifier: verifier, reconciler: reconciler, log: log}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The signature covers the body verbatim; it must not be re-serialized.
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.log.WarnContext(r.Context(), "webhook body read failed", slog.Any("error", err))
		writeError(w, h.log, errors.Join(billing.ErrSignatureInvalid, err))
		return
	}

	ev, err := h.verifier.VerifyWebhookSignature(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		h.log.WarnContext(r.Context(), "webhook signature rejected", slog.Any("error", err))
		writeError(w, h.log, err)
		return
	}

	err = h.reconciler.Process(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"received": ev.ID})
	case errors.Is(err, billing.ErrDuplicateEvent):
		// Replays are success: the effect already happened.
		writeJSON(w, http.StatusOK, map[string]string{"received": ev.ID, "status": "duplicate"})
	default:
		// Transient; a 5xx makes the provider redeliver.
		h.log.ErrorContext(r.Context(), "webhook reconciliation failed",
			slog.String("event_id", ev.ID),
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err))
		writeError(w, h.log, err)
	}
}
