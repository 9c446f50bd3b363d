package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", h.Health)
	r.Post("/predict", h.Predict)
	r.Post("/predict/image", h.PredictFromImage)

	r.Route("/scan", func(r chi.Router) {
		r.Get("/", h.ScanStatus)
		r.Post("/", h.StartScan)
		r.Delete("/", h.CancelScan)
		r.Get("/events", h.ScanEvents)
	})

	r.Route("/results", func(r chi.Router) {
		r.Get("/", h.ListResults)
		r.Get("/selected", h.ListSelected)
		r.Get("/duplicates", h.Duplicates)
		r.Post("/select-all", h.SelectAll)
		r.Post("/deselect-all", h.DeselectAll)
		r.Post("/delete", h.Delete)
		r.Post("/move", h.Move)
		r.Get("/{index}/thumbnail", h.Thumbnail)
		r.Post("/{index}/toggle", h.Toggle)
	})

	r.Get("/history", h.History)
	r.Get("/history/{id}", h.ScanRun)

	r.Get("/vault", h.ListVault)
	r.Get("/vault/{name}", h.VaultFile)

	return r
}
