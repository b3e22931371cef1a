// internal/handlers/router.go
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jason-s-yu/roundhouse/internal/metrics"
	"github.com/jason-s-yu/roundhouse/internal/middleware"
)

// Router wires every HTTP and websocket route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.LogMiddleware(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", metrics.HealthHandler(s.health))
	r.Handle("/metrics", s.metricsHandler)

	// Authenticated inside so that rejections happen before the upgrade.
	r.Get("/ws/{room}/{gameType}", s.roundWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(s.logger))

		r.Get("/rounds/{room}/{gameType}", s.getSnapshot)
		r.Post("/rounds/{id}/bets", s.placeBet)
		r.Get("/rounds/{id}/audit", s.getAudit)
		r.Get("/players/{id}/transactions", s.listTransactions)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Post("/rounds/{id}/advisory", s.submitAdvisory)
			r.Post("/topics/{room}/{gameType}/resync", s.resyncTopic)
			r.Post("/reconcile", s.runReconcile)
		})

		r.With(middleware.RequireAdmin).Post("/internal/wallet/adjust", s.adjustWallet)
	})
	return r
}
