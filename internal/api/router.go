/**
 * @description
 * HTTP router for the payment-service. Health and processor webhooks are public (webhooks
 * authenticate by signature); everything else requires a principal, and the redrive
 * endpoint is restricted to internal callers.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and standard middleware.
 * - github.com/go-chi/cors: CORS for browser checkouts.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PaymentRoutes creates and returns a new router for the payment service.
func PaymentRoutes(h *PaymentHandlers, auth AuthConfig, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", internalAPIKeyHeader, userIDHeader},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Post("/webhooks/{processor}", h.WebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(auth))

		r.Route("/payment-intents", func(r chi.Router) {
			r.Post("/", h.CreateIntentHandler)
			r.Get("/{id}", h.GetIntentHandler)
			r.Post("/{id}/cancel", h.CancelIntentHandler)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.ConfirmPaymentHandler)
			r.Get("/", h.ListTransactionsHandler)
			r.Get("/{id}", h.GetTransactionHandler)
		})

		r.Route("/refunds", func(r chi.Router) {
			r.Post("/", h.CreateRefundHandler)
			r.Get("/{id}", h.GetRefundHandler)
		})

		r.Route("/payment-methods", func(r chi.Router) {
			r.Post("/", h.CreatePaymentMethodHandler)
			r.Get("/", h.ListPaymentMethodsHandler)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalOnly)
			r.Post("/webhook-events/{id}/redrive", h.RedriveWebhookHandler)
		})
	})

	return r
}
