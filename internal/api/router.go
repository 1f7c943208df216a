package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handlers groups everything the router serves.
type Handlers struct {
	Health    *HealthHandler
	Webhooks  *WebhookHandler
	Dashboard *DashboardHandler
	Partners  *PartnerHandler
	Events    *EventHandler
	Internal  *InternalHandler
	Gateway   *GatewayHandler
	Feed      http.HandlerFunc

	// Prometheus serves /metrics when set.
	Prometheus http.Handler
}

func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	r.Get("/healthz", h.Health.Check)
	r.Get("/ws", h.Feed)
	if h.Prometheus != nil {
		r.Method(http.MethodGet, "/metrics", h.Prometheus)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/webhooks", h.Webhooks.Routes)

		r.Get("/outbox/stats", h.Dashboard.OutboxStats)
		r.Get("/metrics", h.Dashboard.Metrics)

		r.Route("/partners", func(r chi.Router) {
			r.Get("/", h.Partners.List)
			r.Get("/{id}", h.Partners.Get)
			r.Get("/{id}/usage", h.Partners.Usage)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Post("/events", h.Events.Ingest)
		r.Get("/validate-key", h.Internal.ValidateKey)
		r.Get("/check-rate-limit/{partnerId}", h.Internal.CheckRateLimit)
		r.Post("/record-usage/{partnerId}", h.Internal.RecordUsage)
	})

	r.Route("/partner/v1", h.Gateway.Routes)

	return r
}

// corsMiddleware lets the dashboard call the admin API from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
