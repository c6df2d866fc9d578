package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/plrequest-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware системы заявок.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/products", h.ListProducts)
			r.Get("/products/{code}", h.GetProduct)
			r.Get("/products/{code}/summary", h.GetProductSummary)

			r.Post("/requests", h.CreateRequest)
			r.Get("/requests", h.ListRequests)
			r.Post("/requests/{id}/delivery", h.RecordDelivery)

			// Административные операции
			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireAdmin)

				r.Post("/products", h.CreateProduct)
				r.Put("/products/{code}/limits", h.UpdateProductLimits)
				r.Post("/requests/{id}/approve", h.ApproveRequest)

				r.Post("/users", h.CreateUser)
				r.Get("/users", h.ListUsers)
				r.Put("/users/{empID}/password", h.UpdateUserPassword)
			})
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
