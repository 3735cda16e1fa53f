package subscription

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pulsefit/billing/pkg/jwt"
)

// RouterOptions carries the pieces the subscription module mounts.
type RouterOptions struct {
	Handler *Handler
	Webhook *WebhookHandler
	// Auth guards the /api/v1 surface. The webhook route is authenticated
	// by its signature instead.
	Auth *jwt.Service
}

// Router builds the module's route tree:
//
//	GET    /api/v1/subscriptions/plans
//	POST   /api/v1/subscriptions/create
//	GET    /api/v1/subscriptions/user/current
//	GET    /api/v1/subscriptions/status
//	DELETE /api/v1/subscriptions/{id}/cancel
//	POST   /api/v1/subscriptions/{id}/resume
//	GET    /api/v1/subscriptions/{id}/invoices
//	POST   /webhooks/provider
func Router(opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	unauthorized := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"unauthenticated","message":"missing or invalid bearer token"}}`))
	}

	r.Route("/api/v1/subscriptions", func(api chi.Router) {
		api.Get("/plans", opts.Handler.ListPlans)

		api.Group(func(auth chi.Router) {
			auth.Use(jwt.Middleware(opts.Auth, unauthorized))
			auth.Post("/create", opts.Handler.Create)
			auth.Get("/user/current", opts.Handler.Current)
			auth.Get("/status", opts.Handler.Current)
			auth.Delete("/{id}/cancel", opts.Handler.Cancel)
			auth.Post("/{id}/resume", opts.Handler.Resume)
			auth.Get("/{id}/invoices", opts.Handler.Invoices)
		})
	})

	r.Post("/webhooks/provider", opts.Webhook.ServeHTTP)

	return r
}
