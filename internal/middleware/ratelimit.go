// Package middleware provides HTTP middleware for the Broker Frontend.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client, keyed by the client
// certificate fingerprint when mTLS is presented, falling back to the
// remote address otherwise. It applies to whatever handlers it wraps;
// cmd/broker installs it on the whole router, so every Broker route is
// limited, not only new-session and plaintext-attestation.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	log      zerolog.Logger
}

// NewRateLimiter builds a RateLimiter allowing requestsPerSecond with
// the given burst, per key.
func NewRateLimiter(requestsPerSecond int, burst int, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		log:      log.With().Str("component", "rate_limiter").Logger(),
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// ClientKeyFunc extracts the rate-limit key from a request, e.g. the
// pinned client certificate fingerprint set by upstream TLS termination.
type ClientKeyFunc func(r *http.Request) string

// Handler returns the rate-limiting middleware.
func (rl *RateLimiter) Handler(keyFn ClientKeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				key = r.RemoteAddr
			}

			if !rl.getLimiter(key).Allow() {
				rl.log.Warn().Str("key", key).Str("path", r.URL.Path).Msg("rate limit exceeded")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Cleanup drops tracked limiters once the map grows unreasonably large.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > 10000 {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

// StartCleanup runs Cleanup on a ticker until stop is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}
