package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/edgeflare/tableapi/pkg/httputil"
	"golang.org/x/time/rate"
)

const sweepThreshold = 10000

// RateLimitOptions configures RateLimit.
type RateLimitOptions struct {
	// RPS is the sustained requests per second per key. Zero disables limiting.
	RPS float64
	// Burst is the bucket size. Defaults to max(1, int(RPS)).
	Burst int
	// Key identifies the caller. Defaults to the remote address.
	Key func(*http.Request) string
	// IdleTTL drops a key's limiter after this long without requests.
	IdleTTL time.Duration
}

// RateLimit applies a token bucket per key and answers 429 once it is empty.
func RateLimit(opts RateLimitOptions) func(http.Handler) http.Handler {
	if opts.RPS <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.Burst <= 0 {
		opts.Burst = max(1, int(opts.RPS))
	}
	if opts.Key == nil {
		opts.Key = func(r *http.Request) string { return r.RemoteAddr }
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 15 * time.Minute
	}

	limiters := NewCache[*rate.Limiter](opts.IdleTTL)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst) }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiters.Len() > sweepThreshold {
				limiters.CleanupExpired()
			}
			limiter := limiters.GetOrCreate(opts.Key(r), newLimiter)
			if !limiter.Allow() {
				retryAfter := max(1, int(1/opts.RPS))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				httputil.ErrorCode(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
