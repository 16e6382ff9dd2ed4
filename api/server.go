/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the review frontend

ROUTE GROUPS:
  /api/rollups/*     Run lifecycle (compute, inspect, publish)
  /api/overlays      Calculated overlay reads
  /api/recon/*       Reconciliation compute, results, triage, pairs
  /api/tieout        Base-data drift report
  /api/entities/*    Entity and agreement configuration
  /api/groups/*      Client-group membership
  /api/snapshots     Base snapshot ingestion and reads

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Run lifecycle
		r.Route("/rollups", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/compute", h.ComputeRollup)
			r.Get("/{id}", h.GetRun)
			r.Post("/{id}/publish", h.PublishRollup)
		})

		// Overlay reads
		r.Get("/overlays", h.GetOverlays)

		// Reconciliation
		r.Route("/recon", func(r chi.Router) {
			r.Post("/compute", h.ComputeRecon)
			r.Get("/results", h.ListReconResults)
			r.Put("/results/{id}/status", h.UpdateReconStatus)
			r.Post("/pairs", h.CreateReconPair)
		})

		// Tie-out
		r.Get("/tieout", h.TieOut)

		// Configuration
		r.Route("/entities", func(r chi.Router) {
			r.Post("/", h.CreateEntity)
			r.Get("/{id}", h.GetEntity)
			r.Get("/{id}/agreements", h.ListAgreements)
		})
		r.Route("/groups", func(r chi.Router) {
			r.Get("/{id}/members", h.ListGroupMembers)
			r.Post("/{id}/members", h.AddGroupMember)
		})
		r.Post("/agreements", h.CreateAgreement)
		r.Post("/rules", h.CreateRule)
		r.Post("/mappings", h.CreateMapping)

		// Ingestion
		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", h.ListSnapshots)
			r.Post("/", h.IngestSnapshot)
		})
	})

	return r
}
