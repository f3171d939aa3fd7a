/**
 * @description
 * This file sets up the HTTP router for the clawback-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware for logging, panic recovery, CORS, and authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the admin surface.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ClawbackRoutes creates and returns a new router for the clawback service.
func ClawbackRoutes(h *ClawbackHandlers, internalAPIKey, adminJWTSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts. The
	// timeout is generous because a manual sweep runs inside the request.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Service-to-service endpoints, authenticated with the shared key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/consume", h.RecordConsumptionHandler)
	})

	// Admin surface, authenticated with operator JWTs.
	r.Group(func(r chi.Router) {
		r.Use(AdminAuthMiddleware(adminJWTSecret))

		r.Post("/reconcile/sweep", h.TriggerSweepHandler)
		r.Post("/reconcile/drain-events", h.DrainEventsHandler)
		r.Get("/clawbacks", h.ListClawbacksHandler)
	})

	return r
}
