package httpserver

import (
	"net/http"

	"github.com/apathy-ca/sark/internal/ratelimit"
)

// RateLimit enforces the rate limit for the caller's scope, writing the
// X-RateLimit-* headers on every response it evaluates and a 429 with
// Retry-After when the window's capacity is exhausted (spec.md §4.11, §6).
// When it runs after RequireAuth the limit is keyed by the principal (API
// key or user); otherwise it is keyed by client IP.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		scope, identity := ratelimit.ScopeIP, clientIP(r)
		if principal, ok := PrincipalFromContext(r.Context()); ok {
			if principal.Kind == "api_key" {
				scope, identity = ratelimit.ScopeAPIKey, principal.PrincipalID
			} else {
				scope, identity = ratelimit.ScopeUser, principal.PrincipalID
			}
		}

		res, err := s.RateLimiter.Allow(r.Context(), scope, identity)
		if err != nil {
			s.Logger.Error("rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		SetRateLimitHeaders(w, res)
		if !res.Allowed {
			RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
