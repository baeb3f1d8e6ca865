package rpc

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"mvault/observability"
)

// RateLimiter enforces a per-caller request budget. Callers are keyed by
// their authenticated subject so a noisy client cannot starve the rest.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[[20]byte]*rate.Limiter
	perMin   float64
	burst    int
}

// NewRateLimiter builds a limiter allowing perMinute requests with the given
// burst per caller.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[[20]byte]*rate.Limiter),
		perMin:   perMinute,
		burst:    burst,
	}
}

// Middleware rejects requests exceeding the caller's budget with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !l.obtain(caller).Allow() {
			observability.ModuleMetrics().RecordThrottle("vault", "rate_limit")
			respondError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) obtain(caller [20]byte) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.visitors[caller]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.perMin/60.0), l.burst)
		l.visitors[caller] = limiter
	}
	return limiter
}
