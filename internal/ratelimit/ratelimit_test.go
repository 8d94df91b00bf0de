package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, capacity int) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, map[Scope]BucketConfig{
		ScopeIP: {Capacity: capacity, RefillRatePerSecond: float64(capacity) / 60},
	})
}

func TestAllowWithinCapacity(t *testing.T) {
	l := newTestLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, ScopeIP, "1.2.3.4")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed, got denied", i)
		}
	}
}

func TestAllowDeniesPastCapacity(t *testing.T) {
	l := newTestLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, ScopeIP, "1.2.3.4")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed, got denied", i)
		}
	}

	res, err := l.Allow(ctx, ScopeIP, "1.2.3.4")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected third request to be denied")
	}
	if res.RetryAfter <= 0 {
		t.Fatal("expected a positive retry-after on denial")
	}
}

func TestAllowIsolatedByIdentity(t *testing.T) {
	l := newTestLimiter(t, 1)
	ctx := context.Background()

	res1, err := l.Allow(ctx, ScopeIP, "1.1.1.1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res1.Allowed {
		t.Fatal("expected first identity's first request to be allowed")
	}

	res2, err := l.Allow(ctx, ScopeIP, "2.2.2.2")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res2.Allowed {
		t.Fatal("expected second identity's first request to be allowed despite first identity's bucket being full")
	}
}

func TestAllowUnconfiguredScopePassesThrough(t *testing.T) {
	l := newTestLimiter(t, 1)
	ctx := context.Background()

	res, err := l.Allow(ctx, ScopeAPIKey, "key-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected an unconfigured scope to pass through as allowed")
	}
}

func TestReset(t *testing.T) {
	l := newTestLimiter(t, 1)
	ctx := context.Background()

	if _, err := l.Allow(ctx, ScopeIP, "1.2.3.4"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	denied, err := l.Allow(ctx, ScopeIP, "1.2.3.4")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if denied.Allowed {
		t.Fatal("expected bucket to be exhausted before reset")
	}

	if err := l.Reset(ctx, ScopeIP, "1.2.3.4"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	res, err := l.Allow(ctx, ScopeIP, "1.2.3.4")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected request after reset to be allowed")
	}
}
