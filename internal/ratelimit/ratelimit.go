// Package ratelimit implements the rate limiter of spec.md §4.11, keyed by
// (scope, identity), as a fixed-window counter: a window's capacity is
// restored all at once when the window expires, not refilled token by token.
// Adapted from internal/auth/ratelimit.go
// (Redis INCR/EXPIRE login-attempt limiter), generalized from "failed
// logins per IP" to "requests per principal+scope" buckets shared across
// gateway replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope identifies which bucket configuration applies.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeAPIKey Scope = "api_key"
	ScopeIP     Scope = "ip"
)

// BucketConfig is capacity and refill rate for one scope.
type BucketConfig struct {
	Capacity            int
	RefillRatePerSecond float64
}

// Limiter counts requests per (scope, identity) in Redis with a Lua-free
// INCR/EXPIRE scheme analogous to the teacher's login limiter. Each window
// lasts Capacity/RefillRatePerSecond seconds (one minute when no rate is
// set) and admits up to Capacity requests; the count resets only when the
// window's key expires, so there is no gradual refill within a window.
type Limiter struct {
	redis  *redis.Client
	config map[Scope]BucketConfig
}

// New constructs a Limiter. config supplies per-scope capacity/refill.
func New(rdb *redis.Client, config map[Scope]BucketConfig) *Limiter {
	return &Limiter{redis: rdb, config: config}
}

// Result reports the outcome of a rate-limit check, carrying the header
// values spec.md §6 requires on every rate-limited response.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Allow consumes one token for (scope, identity), denying once the
// window's capacity is exhausted.
func (l *Limiter) Allow(ctx context.Context, scope Scope, identity string) (Result, error) {
	cfg, ok := l.config[scope]
	if !ok || cfg.Capacity <= 0 {
		return Result{Allowed: true}, nil
	}

	window := time.Duration(float64(time.Minute))
	if cfg.RefillRatePerSecond > 0 {
		window = time.Duration(float64(cfg.Capacity) / cfg.RefillRatePerSecond * float64(time.Second))
	}

	key := fmt.Sprintf("ratelimit:%s:%s", scope, identity)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("incrementing rate limit counter: %w", err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, window).Err(); err != nil {
			return Result{}, fmt.Errorf("setting rate limit window: %w", err)
		}
	}

	ttl, err := l.redis.TTL(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("reading rate limit ttl: %w", err)
	}
	resetAt := time.Now().Add(ttl)

	if int(count) > cfg.Capacity {
		return Result{
			Allowed:    false,
			Limit:      cfg.Capacity,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: ttl,
		}, nil
	}

	return Result{
		Allowed:   true,
		Limit:     cfg.Capacity,
		Remaining: cfg.Capacity - int(count),
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the bucket for (scope, identity).
func (l *Limiter) Reset(ctx context.Context, scope Scope, identity string) error {
	key := fmt.Sprintf("ratelimit:%s:%s", scope, identity)
	return l.redis.Del(ctx, key).Err()
}
