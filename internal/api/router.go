/**
 * @description
 * This file sets up the HTTP router for the payout-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the browser-facing endpoints.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PayoutRoutes creates and returns a new router for the payout service.
func PayoutRoutes(h *PayoutHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-Api-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Service-to-service endpoints guarded by the shared internal key.
	r.Route("/internal", func(r chi.Router) {
		r.Use(RequireInternalKey(internalAPIKey))
		r.Post("/transfers/reconcile", h.ReconcileTransferHandler)
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/payouts", h.CreatePayoutHandler)
		r.Post("/payouts/preview", h.PreviewPayoutHandler)
		r.Get("/payouts/{payoutID}", h.GetPayoutHandler)
		r.Post("/payouts/{payoutID}/finalize", h.FinalizePayoutHandler)
		r.Post("/payouts/{payoutID}/process", h.ProcessTransfersHandler)
		r.Post("/payouts/recipients/{recipientID}/retry", h.RetryRecipientHandler)

		r.Get("/projects/{projectID}/payouts", h.ListProjectPayoutsHandler)
		r.Get("/projects/{projectID}/contributor-points", h.ContributorPointsHandler)
	})

	return r
}
