package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/renderflow/internal/domain"
	"github.com/dunamismax/renderflow/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, subject, tier string) (ratelimit.Decision, error)
}

// withRateLimit spends one token per render submission from the caller's
// bucket. Limiter outages fail open.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := headerOr(r, HeaderUserID, anonymousUser)
		tier := strings.ToLower(headerOr(r, HeaderAccountTier, domain.DefaultTier))

		decision, err := s.rateLimiter.Allow(r.Context(), subject, tier)
		if err != nil {
			reqLogger := s.requestLogger(r)
			reqLogger.Warn().Err(err).Str("subject", subject).Str("tier", tier).Msg("rate limiter check failed")
			next.ServeHTTP(w, r)
			return
		}

		if decision.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		}
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
		s.metrics.rateLimitRejected.WithLabelValues(tier).Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}
