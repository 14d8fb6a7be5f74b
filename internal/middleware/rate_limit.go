package middleware

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int

	whitelistedIPs map[string]bool
}

// NewRateLimiter allows perSecond requests per IP with a burst of burst.
// Requests from the whitelisted IPs are never limited.
func NewRateLimiter(perSecond float64, burst int, whitelist ...string) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		limiters:       make(map[string]*rate.Limiter),
		limit:          rate.Limit(perSecond),
		burst:          burst,
		whitelistedIPs: make(map[string]bool, len(whitelist)),
	}
	for _, ip := range whitelist {
		rl.whitelistedIPs[ip] = true
	}
	return rl
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists := rl.limiters[ip]; exists {
		return limiter
	}
	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters[ip] = limiter
	return limiter
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if rl.whitelistedIPs[ip] {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.getLimiter(ip).Allow() {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
