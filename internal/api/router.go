/**
 * @description
 * This file sets up the HTTP router for the deposit-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware for logging, panic recovery, timeouts, and internal
 * authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns a new router for the deposit service.
func LedgerRoutes(h *LedgerHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/records", h.ListRecordsHandler)
		r.Get("/plans", h.ListPlansHandler)

		r.Post("/deposits", h.DepositHandler)
		r.Post("/withdrawals", h.WithdrawHandler)

		r.Post("/fixed-terms", h.OpenFixedTermHandler)
		r.Post("/fixed-terms/{recordID}/extension", h.RequestExtensionHandler)
		r.Delete("/fixed-terms/{recordID}/extension", h.CancelExtensionHandler)
	})

	return r
}
