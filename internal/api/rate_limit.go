package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/roomseg/internal/ratelimit"
)

// Rate limit scopes. Each has its own budget per user.
const (
	scopeUpload   = "upload"
	scopeResubmit = "resubmit"
)

type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (ratelimit.Decision, error)
}

// withRateLimit spends one token of the authenticated user in scope per
// request. A limiter error lets the request through.
func (s *Server) withRateLimit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.rateLimiter == nil {
			return next
		}
		return s.rateLimited(scope, next)
	}
}

func (s *Server) rateLimited(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := s.rateLimiter.Allow(r.Context(), scope, user.ID)
		if err != nil {
			s.logger.Printf("rate limiter check failed scope=%s user_id=%s err=%v", scope, user.ID, err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r)).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
	})
}
