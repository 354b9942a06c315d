package api

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/HackxAnkit/SurgePricing/internal/metrics"
)

// IngestLimiter sheds driver pings above a process-wide rate so a flood of
// location updates cannot starve pricing requests of store capacity.
type IngestLimiter struct {
	limiter *rate.Limiter
}

// NewIngestLimiter allows rps pings per second with bursts up to burst.
// A non-positive rps disables limiting.
func NewIngestLimiter(rps float64, burst int) *IngestLimiter {
	if rps <= 0 {
		return &IngestLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &IngestLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Middleware rejects requests over the limit with 429.
func (l *IngestLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter.Allow() {
			metrics.IngestRejections.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, "too many driver pings", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
