package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/sanchitrk/postflow/internal/api/response"
)

// upstreamRetryAfter is the hint returned while the upstream is down; the
// health window needs about that long of quiet or recovery to change status.
const upstreamRetryAfter = 60

// DownChecker is the slice of the health monitor the guard consumes.
type DownChecker interface {
	IsDown(ctx context.Context) bool
}

// HealthGuard rejects requests before any upstream quota is spent when the
// generation API is down. IsDown fails open, so trouble reading the health
// signal never turns into a product outage.
type HealthGuard struct {
	checker DownChecker
}

// NewHealthGuard creates the circuit-breaker middleware.
func NewHealthGuard(checker DownChecker) *HealthGuard {
	return &HealthGuard{checker: checker}
}

// Guard short-circuits with 503 and a Retry-After header while the upstream
// is down; the wrapped handler is never invoked in that case.
func (g *HealthGuard) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.checker.IsDown(r.Context()) {
			w.Header().Set("Retry-After", strconv.Itoa(upstreamRetryAfter))
			response.Error(w, http.StatusServiceUnavailable,
				"UPSTREAM_DOWN", "The generation service is temporarily unavailable", map[string]any{
					"retryAfter": upstreamRetryAfter,
				})
			return
		}
		next.ServeHTTP(w, r)
	})
}
