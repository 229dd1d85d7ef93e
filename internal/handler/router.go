package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/greenfinity-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.With(h.rateLimiter.Middleware).Get("/leaderboard", h.GetLeaderboard)

		r.Route("/user", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.rateLimiter.Middleware)

			r.Post("/account", h.CreateAccount)

			r.With(custommiddleware.RequireRole(custommiddleware.RoleService)).Post("/points", h.AwardPoints)
			r.Get("/points", h.GetPoints)
			r.Get("/points/history", h.GetPointHistory)

			r.Get("/streak", h.GetStreak)
			r.Get("/streak/status", h.GetStreakStatus)

			r.Get("/scans/remaining", h.GetRemainingScans)
			r.Post("/scans", h.SubmitScan)
			r.Get("/scans", h.GetScans)

			r.Post("/sales", h.RecordSale)

			r.Get("/notifications/ws", h.StreamNotifications)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
