package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/HackxAnkit/SurgePricing/internal/metrics"
)

// Routes builds the HTTP router. hub and limiter may be nil.
func Routes(svc *Service, hub *SurgeHub, limiter *IngestLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", svc.Health)
	r.Get("/ready", svc.Ready)
	r.Handle("/metrics", metrics.Handler())

	if hub != nil {
		// Long-lived; kept outside the request timeout.
		r.Get("/ws/surge", hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/price", svc.GetPrice)
		r.Get("/price/health", ServiceHealth("pricing"))
		r.Get("/surge/health", ServiceHealth("surge"))

		r.Post("/rider/book", svc.BookRide)
		r.Get("/driver/availability", svc.DriverAvailability)

		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter.Middleware)
			}
			r.Post("/driver/ping", svc.DriverPing)
			r.Post("/driver/location", svc.DriverPing)
		})

		r.Get("/cells/{res}/{cell}", svc.GetCell)
	})

	return r
}

// cors allows cross-origin requests from the rider and driver frontends.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
