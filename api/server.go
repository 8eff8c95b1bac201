/*
server.go - Router and middleware configuration

ROUTE SHAPE:
  Every route is scoped by business: /api/{business}/... - one generic
  handler set serves all verticals, the URL picks the collections.
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// NewRouter configures the middleware stack and all routes.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Route("/api/{business}", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
			r.Get("/{id}", h.GetItem)
			r.Put("/{id}", h.UpdateItem)
			r.Delete("/{id}", h.DeleteItem)
			r.Get("/{id}/logs", h.ItemLogs)
			r.Get("/{id}/drift", h.ItemDrift)
		})

		r.Post("/adjustments", h.Adjust)
		r.Route("/logs", func(r chi.Router) {
			r.Put("/{id}", h.EditLog)
			r.Delete("/{id}", h.ReverseLog)
		})

		r.Route("/sales", func(r chi.Router) {
			r.Get("/", h.ListSales)
			r.Post("/", h.RecordSale)
			r.Get("/{id}", h.GetSale)
			r.Delete("/{id}", h.DeleteSale)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Post("/", h.CreateTransaction)
			r.Put("/{id}", h.UpdateTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		r.Get("/summary", h.GetSummary)
		r.Get("/summary/audit", h.SummaryAudit)

		r.Route("/watch", func(r chi.Router) {
			r.Get("/items", h.WatchItems)
			r.Get("/items/{id}/logs", h.WatchItemLogs)
			r.Get("/sales", h.WatchSales)
			r.Get("/transactions", h.WatchTransactions)
			r.Get("/summary", h.WatchSummary)
		})
	})

	return r
}

// requestLogger logs one structured line per request.
func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Info("request")
		})
	}
}
