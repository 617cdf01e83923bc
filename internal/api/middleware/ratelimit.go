package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sanchitrk/postflow/internal/api/response"
	"github.com/sanchitrk/postflow/internal/ratelimit"
)

// RateLimit applies fixed-window admission control per caller. The caller
// key is the authenticated API-key prefix when auth ran, otherwise the
// remote network address.
type RateLimit struct {
	limiter *ratelimit.Limiter
	window  time.Duration
	max     int
}

// NewRateLimit creates the admission-control middleware.
func NewRateLimit(l *ratelimit.Limiter, window time.Duration, maxRequests int) *RateLimit {
	return &RateLimit{limiter: l, window: window, max: maxRequests}
}

// Limit runs the check-and-consume step before the wrapped handler. Denials
// answer 429 with a retry hint and never reach the handler.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := getKeyPrefix(r)
		if !ok {
			caller = remoteHost(r)
		}

		d := rl.limiter.Allow(r.Context(), caller, rl.window, rl.max)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", map[string]any{
					"retryAfter": d.RetryAfter,
					"limit":      d.Limit,
					"windowMs":   d.WindowMs,
				})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
