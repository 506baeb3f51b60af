package serverless

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter exposes the dispatcher over HTTP: one POST per invocation.
func NewRouter(d *Dispatcher) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/run", func(w http.ResponseWriter, req *http.Request) {
		var invocation Invocation
		if err := json.NewDecoder(req.Body).Decode(&invocation); err != nil {
			writeJSON(w, http.StatusBadRequest, Result{Status: "failed", Error: "invalid JSON body"})
			return
		}
		result := d.Dispatch(req.Context(), invocation.Input)
		writeJSON(w, http.StatusOK, result)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
