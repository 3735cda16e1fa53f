package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pulsefit/billing/pkg/billing"
	"github.com/pulsefit/billing/pkg/jwt"
)

// Handler serves the authenticated subscription API.
type Handler struct {
	svc       *billing.Service
	projector *billing.Projector
	log       *slog.Logger
}

// NewHandler wires the subscription HTTP handlers.
func NewHandler(svc *billing.Service, projector *billing.Projector, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{svc: svc, projector: projector, log: log}
}

// callerFromContext recovers the authenticated principal from the JWT
// claims the middleware injected.
func callerFromContext(r *http.Request) (billing.Caller, error) {
	claims, ok := jwt.ClaimsFromContext(r.Context())
	if !ok {
		return billing.Caller{}, errors.Join(errBadRequest, errors.New("missing auth claims"))
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return billing.Caller{}, errors.Join(errBadRequest, fmt.Errorf("malformed subject: %w", err))
	}
	return billing.Caller{UserID: userID, Admin: claims.Role == "admin"}, nil
}

func subscriptionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errors.Join(errBadRequest, fmt.Errorf("malformed subscription id: %w", err))
	}
	return id, nil
}

// ListPlans returns the plan catalog. Public.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, renderPlans(h.svc.Plans()))
}

type createRequest struct {
	PlanID             string `json:"planId"`
	PaymentMethodToken string `json:"paymentMethodToken"`
	Email              string `json:"email"`
	// Nonce identifies the client attempt; retries reuse it so the
	// provider call stays idempotent. Generated server-side when absent.
	Nonce string `json:"nonce"`
}

type createResponse struct {
	Subscription subscriptionResponse `json:"subscription"`
	ClientSecret string               `json:"clientSecret,omitempty"`
}

// Create starts a subscription for the caller.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, errors.Join(errBadRequest, err))
		return
	}
	if req.PlanID == "" || req.PaymentMethodToken == "" {
		writeError(w, h.log, errors.Join(errBadRequest, errors.New("planId and paymentMethodToken are required")))
		return
	}
	if req.Nonce == "" {
		req.Nonce = uuid.NewString()
	}

	res, err := h.svc.StartSubscription(r.Context(), billing.StartSubscriptionRequest{
		Caller:             caller,
		PlanID:             req.PlanID,
		Email:              req.Email,
		PaymentMethodToken: req.PaymentMethodToken,
		Nonce:              req.Nonce,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		Subscription: renderSubscription(res.Subscription),
		ClientSecret: res.ClientSecret,
	})
}

// Current returns the caller's projected subscription status.
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	proj, err := h.projector.Project(r.Context(), caller.UserID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

type cancelRequest struct {
	AtPeriodEnd bool `json:"atPeriodEnd"`
}

// Cancel cancels a subscription, immediately or at the period boundary.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	id, err := subscriptionID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, h.log, errors.Join(errBadRequest, err))
			return
		}
	}

	sub, err := h.svc.CancelSubscription(r.Context(), caller, id, !req.AtPeriodEnd)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSubscription(sub))
}

// Resume clears a pending cancellation.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	id, err := subscriptionID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	sub, err := h.svc.ResumeSubscription(r.Context(), caller, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSubscription(sub))
}

// Invoices returns the invoice history for a subscription.
func (h *Handler) Invoices(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromContext(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	id, err := subscriptionID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	invoices, err := h.svc.ListInvoices(r.Context(), caller, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, renderInvoices(invoices))
}
