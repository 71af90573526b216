package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires every route
func NewRouter(incidents *IncidentHandler, ops *OpsHandler, stream *EventsHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", ops.GetHealth)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/alerts", incidents.GetAlerts)
		r.Get("/threads", incidents.GetThreads)
		r.Get("/threads/{threadID}", incidents.GetThread)
		r.Get("/maintenance", ops.GetMaintenance)
		r.Get("/verify/{target}", ops.GetVerify)
		r.Get("/accuracy", ops.GetAccuracy)
		if stream != nil {
			r.Get("/events", stream.Stream)
		}
	})
	return r
}
