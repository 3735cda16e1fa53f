package subscription_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/billing/modules/subscription"
	"github.com/pulsefit/billing/pkg/billing"
	"github.com/pulsefit/billing/pkg/jwt"
)

// stubGateway scripts provider behavior per test.
type stubGateway struct {
	ensureCustomer     func(ctx context.Context, userID uuid.UUID, email string) (string, error)
	createSubscription func(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.ProviderSubscription, error)
	cancelImmediate    func(ctx context.Context, ref string) (*billing.ProviderSubscription, error)
	cancelAtPeriodEnd  func(ctx context.Context, ref string) (*billing.ProviderSubscription, error)
	resume             func(ctx context.Context, ref string) (*billing.ProviderSubscription, error)
	listInvoices       func(ctx context.Context, ref string) ([]billing.ProviderInvoice, error)
	verify             func(payload []byte, sig string) (*billing.Event, error)
}

func (g *stubGateway) EnsureCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	if g.ensureCustomer == nil {
		return "cus_stub", nil
	}
	return g.ensureCustomer(ctx, userID, email)
}

func (g *stubGateway) CreateSubscription(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.ProviderSubscription, error) {
	return g.createSubscription(ctx, req)
}

func (g *stubGateway) CancelImmediate(ctx context.Context, ref string) (*billing.ProviderSubscription, error) {
	return g.cancelImmediate(ctx, ref)
}

func (g *stubGateway) CancelAtPeriodEnd(ctx context.Context, ref string) (*billing.ProviderSubscription, error) {
	return g.cancelAtPeriodEnd(ctx, ref)
}

func (g *stubGateway) Resume(ctx context.Context, ref string) (*billing.ProviderSubscription, error) {
	return g.resume(ctx, ref)
}

func (g *stubGateway) ListInvoices(ctx context.Context, ref string) ([]billing.ProviderInvoice, error) {
	if g.listInvoices == nil {
		return nil, nil
	}
	return g.listInvoices(ctx, ref)
}

func (g *stubGateway) VerifyWebhookSignature(payload []byte, sig string) (*billing.Event, error) {
	return g.verify(payload, sig)
}

func (g *stubGateway) ResolvePrice(ctx context.Context, ref string) error { return nil }

type fixture struct {
	store   *billing.MemStore
	gateway *stubGateway
	auth    *jwt.Service
	server  *httptest.Server
}

var now = time.Date(2026, time.April, 1, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	catalog, err := billing.NewCatalog(
		billing.Plan{ID: "1-month", Name: "Monthly", UnitPriceCents: 2999, Unit: billing.IntervalMonth, IntervalCount: 1, ProviderPriceRef: "price_1m"},
		billing.Plan{ID: "12-month", Name: "Yearly", UnitPriceCents: 24999, Unit: billing.IntervalYear, IntervalCount: 1, ProviderPriceRef: "price_12m"},
	)
	require.NoError(t, err)

	store := billing.NewMemStore()
	gw := &stubGateway{}
	svc := billing.NewService(store, gw, catalog,
		billing.WithClock(func() time.Time { return now }))
	projector := billing.NewProjector(store, catalog,
		billing.WithProjectorClock(func() time.Time { return now }))
	reconciler := billing.NewReconciler(store, catalog,
		billing.WithReconcilerClock(func() time.Time { return now }))

	auth, err := jwt.New([]byte("test-signing-key-0123456789abcdef"))
	require.NoError(t, err)

	router := subscription.Router(subscription.RouterOptions{
		Handler: subscription.NewHandler(svc, projector, nil),
		Webhook: subscription.NewWebhookHandler(gw, reconciler, nil),
		Auth:    auth,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{store: store, gateway: gw, auth: auth, server: server}
}

func (f *fixture) token(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	tok, err := f.auth.Generate(jwt.StandardClaims{
		Subject:   userID.String(),
		Role:      role,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var env map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func activeProviderSub(ref string) *billing.ProviderSubscription {
	return &billing.ProviderSubscription{
		Ref:                ref,
		CustomerRef:        "cus_stub",
		Status:             billing.StatusActive,
		PriceRef:           "price_1m",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		UpdatedAt:          now,
	}
}

func TestListPlansIsPublic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, env := f.do(t, http.MethodGet, "/api/v1/subscriptions/plans", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var plans []map[string]any
	require.NoError(t, json.Unmarshal(env["data"], &plans))
	require.Len(t, plans, 2)
	assert.Equal(t, "1-month", plans[0]["id"])
}

func TestCreateRequiresAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, env := f.do(t, http.MethodPost, "/api/v1/subscriptions/create", "",
		map[string]string{"planId": "1-month", "paymentMethodToken": "pm_x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var apiErr map[string]string
	require.NoError(t, json.Unmarshal(env["error"], &apiErr))
	assert.Equal(t, "unauthenticated", apiErr["code"])
}

func TestCreateSubscription(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	userID := uuid.New()

	created := activeProviderSub("sub_http")
	created.ClientSecret = "pi_secret_http"
	f.gateway.createSubscription = func(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.ProviderSubscription, error) {
		return created, nil
	}

	resp, env := f.do(t, http.MethodPost, "/api/v1/subscriptions/create", f.token(t, userID, ""),
		map[string]string{"planId": "1-month", "paymentMethodToken": "pm_card", "email": "ana@example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var data struct {
		Subscription struct {
			PlanID string `json:"planId"`
			Status string `json:"status"`
		} `json:"subscription"`
		ClientSecret string `json:"clientSecret"`
	}
	require.NoError(t, json.Unmarshal(env["data"], &data))
	assert.Equal(t, "1-month", data.Subscription.PlanID)
	assert.Equal(t, "active", data.Subscription.Status)
	assert.Equal(t, "pi_secret_http", data.ClientSecret)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.token(t, uuid.New(), "")

	resp, env := f.do(t, http.MethodPost, "/api/v1/subscriptions/create", token,
		map[string]string{"planId": "1-month"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var apiErr map[string]string
	require.NoError(t, json.Unmarshal(env["error"], &apiErr))
	assert.Equal(t, "invalid-request", apiErr["code"])

	resp, env = f.do(t, http.MethodPost, "/api/v1/subscriptions/create", token,
		map[string]string{"planId": "lifetime", "paymentMethodToken": "pm_x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env["error"], &apiErr))
	assert.Equal(t, "plan-unknown", apiErr["code"])
}

func TestDoubleSubscribeConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	userID := uuid.New()

	providerCalled := false
	f.gateway.createSubscription = func(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.ProviderSubscription, error) {
		providerCalled = true
		return activeProviderSub("sub_1"), nil
	}

	token := f.token(t, userID, "")
	body := map[string]string{"planId": "1-month", "paymentMethodToken": "pm_card"}
	resp, _ := f.do(t, http.MethodPost, "/api/v1/subscriptions/create", token, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	providerCalled = false
	resp, env := f.do(t, http.MethodPost, "/api/v1/subscriptions/create", token, body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, providerCalled, "rejected before any provider traffic")

	var apiErr map[string]string
	require.NoError(t, json.Unmarshal(env["error"], &apiErr))
	assert.Equal(t, "already-subscribed", apiErr["code"])
}

func TestCancelAndResumeFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	userID := uuid.New()

	f.gateway.createSubscription = func(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.ProviderSubscription, error) {
		return activeProviderSub("sub_flow"), nil
	}
	f.gateway.cancelAtPeriodEnd = func(ctx context.Context, ref string) (*billing.ProviderSubscription, error) {
		ps := activeProviderSub(ref)
		ps.CancelAtPeriodEnd = true
		return ps, nil
	}
	f.gateway.resume = func(ctx context.Context, ref string) (*billing.ProviderSubscription, error) {
		return activeProviderSub(ref), nil
	}

	token := f.token(t, userID, "")
	resp, env := f.do(t, http.MethodPost, "/api/v1/subscriptions/create", token,
		map[string]string{"planId": "1-month", "paymentMethodToken": "pm_card"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Subscription struct {
			ID string `json:"id"`
		} `json:"subscription"`
	}
	require.NoError(t, json.Unmarshal(env["data"], &created))
	subID := created.Subscription.ID

	var sub map[string]any
	resp, env = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/subscriptions/%s/cancel", subID), token,
		map[string]bool{"atPeriodEnd": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env["data"], &sub))
	assert.Equal(t, "cancel_pending", sub["status"])
	assert.Equal(t, true, sub["cancelAtPeriodEnd"])

	resp, env = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/subscriptions/%s/resume", subID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env["data"], &sub))
	assert.Equal(t, "active", sub["status"])
	assert.Equal(t, false, sub["cancelAtPeriodEnd"])
}

func TestCancelOwnershipForbidden(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	owner := uuid.New()

	f.gateway.createSubscription = func(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.ProviderSubscription, error) {
		return activeProviderSub("sub_owned"), nil
	}

	resp, env := f.do(t, http.MethodPost, "/api/v1/subscriptions/create", f.token(t, owner, ""),
		map[string]string{"planId": "1-month", "paymentMethodToken": "pm_card"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Subscription struct {
			ID string `json:"id"`
		} `json:"subscription"`
	}
	require.NoError(t, json.Unmarshal(env["data"], &created))

	resp, env = f.do(t, http.MethodDelete,
		fmt.Sprintf("/api/v1/subscriptions/%s/cancel", created.Subscription.ID),
		f.token(t, uuid.New(), ""), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var apiErr map[string]string
	require.NoError(t, json.Unmarshal(env["error"], &apiErr))
	assert.Equal(t, "forbidden", apiErr["code"])
}

func TestStatusProjection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	userID := uuid.New()
	token := f.token(t, userID, "")

	// No subscription yet.
	resp, env := f.do(t, http.MethodGet, "/api/v1/subscriptions/user/current", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var proj map[string]any
	require.NoError(t, json.Unmarshal(env["data"], &proj))
	assert.Equal(t, false, proj["hasActiveSubscription"])

	f.gateway.createSubscription = func(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.ProviderSubscription, error) {
		return activeProviderSub("sub_proj"), nil
	}
	resp, _ = f.do(t, http.MethodPost, "/api/v1/subscriptions/create", token,
		map[string]string{"planId": "1-month", "paymentMethodToken": "pm_card"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Both routes serve the same projection.
	for _, path := range []string{"/api/v1/subscriptions/user/current", "/api/v1/subscriptions/status"} {
		resp, env = f.do(t, http.MethodGet, path, token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(env["data"], &proj))
		assert.Equal(t, true, proj["hasActiveSubscription"], path)
		assert.Equal(t, "1-month", proj["plan"], path)
		assert.Equal(t, "active", proj["status"], path)
		assert.InDelta(t, 30, proj["daysLeft"], 1, path)
	}
}

func TestInvoicesEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	userID := uuid.New()
	token := f.token(t, userID, "")

	f.gateway.createSubscription = func(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.ProviderSubscription, error) {
		return activeProviderSub("sub_inv"), nil
	}
	f.gateway.listInvoices = func(ctx context.Context, ref string) ([]billing.ProviderInvoice, error) {
		return []billing.ProviderInvoice{{
			Ref: "in_http", SubscriptionRef: ref, AmountPaidCents: 2999,
			Status: billing.InvoicePaid, IssuedAt: now, HostedURL: "https://pay.example/in_http",
		}}, nil
	}

	resp, env := f.do(t, http.MethodPost, "/api/v1/subscriptions/create", token,
		map[string]string{"planId": "1-month", "paymentMethodToken": "pm_card"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Subscription struct {
			ID string `json:"id"`
		} `json:"subscription"`
	}
	require.NoError(t, json.Unmarshal(env["data"], &created))

	resp, env = f.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/subscriptions/%s/invoices", created.Subscription.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var invoices []map[string]any
	require.NoError(t, json.Unmarshal(env["data"], &invoices))
	require.Len(t, invoices, 1)
	assert.Equal(t, "in_http", invoices[0]["id"])
	assert.Equal(t, "paid", invoices[0]["status"])
	assert.Equal(t, "https://pay.example/in_http", invoices[0]["hostedUrl"])
}

func TestWebhookEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	userID := uuid.New()

	// Seed a subscription the event refers to.
	f.gateway.createSubscription = func(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.ProviderSubscription, error) {
		return activeProviderSub("sub_hook"), nil
	}
	resp, _ := f.do(t, http.MethodPost, "/api/v1/subscriptions/create", f.token(t, userID, ""),
		map[string]string{"planId": "1-month", "paymentMethodToken": "pm_card"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	event := &billing.Event{
		ID:              "evt_hook",
		Kind:            billing.EventSubscriptionUpdated,
		OccurredAt:      now.Add(time.Minute),
		ProviderEvent:   "customer.subscription.updated",
		SubscriptionRef: "sub_hook",
		Subscription: func() *billing.ProviderSubscription {
			ps := activeProviderSub("sub_hook")
			ps.Status = billing.StatusPastDue
			ps.UpdatedAt = now.Add(time.Minute)
			return ps
		}(),
	}
	f.gateway.verify = func(payload []byte, sig string) (*billing.Event, error) {
		if sig != "t=1,v1=good" {
			return nil, billing.ErrSignatureInvalid
		}
		return event, nil
	}

	post := func(sig string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, f.server.URL+"/webhooks/provider",
			bytes.NewBufferString(`{"id":"evt_hook"}`))
		require.NoError(t, err)
		req.Header.Set(subscription.SignatureHeader, sig)
		resp, err := f.server.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	// Bad signature rejected.
	assert.Equal(t, http.StatusBadRequest, post("t=1,v1=bad").StatusCode)

	// First delivery applies.
	assert.Equal(t, http.StatusOK, post("t=1,v1=good").StatusCode)
	sub, err := f.store.GetByProviderRef(context.Background(), "sub_hook")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, sub.Status)

	// Replay is acknowledged without a second effect.
	assert.Equal(t, http.StatusOK, post("t=1,v1=good").StatusCode)
	again, err := f.store.GetByProviderRef(context.Background(), "sub_hook")
	require.NoError(t, err)
	assert.Equal(t, sub.Version, again.Version)
}
