package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	custommiddleware "github.com/kakamart/kakamart-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware платформы какамарт.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/member", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/checkout", h.Checkout)
			r.Get("/transactions", h.GetTransactions)

			r.Get("/balance", h.GetBalance)
			r.Get("/ledger", h.GetLedger)
			r.Get("/commissions", h.GetCommissions)
			r.Get("/network", h.GetNetworkStats)

			r.Post("/withdrawals", h.RequestWithdrawal)
			r.Get("/withdrawals", h.GetWithdrawals)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/withdrawals", h.GetPendingWithdrawals)
		r.Post("/withdrawals/{id}/decision", h.DecideWithdrawal)
		r.Delete("/members/{id}", h.DeleteMember)
	})

	r.Post("/api/payment/callback", h.PaymentCallback)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
