// Package cache implements the Policy Decision Engine's decision cache
// (spec.md §4.5): a TTL-bounded fingerprint -> outcome store with single-
// flight coalescing of concurrent misses. Storage is Redis, following the
// client composition style of internal/auth/ratelimit.go; coalescing is a
// hand-rolled in-process mutex/waitgroup scheme because golang.org/x/sync
// is present only as an indirect transitive dependency nowhere actually
// imported by the reference corpus (no repo calls singleflight.Group) — see
// DESIGN.md.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is what the cache stores per fingerprint.
type Entry struct {
	Outcome       json.RawMessage `json:"outcome"`
	PolicyVersion string          `json:"policy_version"`
}

// Cache wraps a Redis client with fingerprint-keyed TTL storage plus
// single-flight coalescing of concurrent misses for the same fingerprint.
type Cache struct {
	redis     *redis.Client
	keyPrefix string

	mu     sync.Mutex
	flight map[string]*call
}

type call struct {
	wg     sync.WaitGroup
	entry  *Entry
	err    error
}

// New constructs a Cache over rdb.
func New(rdb *redis.Client) *Cache {
	return &Cache{redis: rdb, keyPrefix: "policy_decision:", flight: make(map[string]*call)}
}

// Get returns the cached entry for fingerprint, or ok=false on miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	raw, err := c.redis.Get(ctx, c.keyPrefix+fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading decision cache: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("decoding cached decision: %w", err)
	}
	return &e, true, nil
}

// Set stores entry for fingerprint with the given TTL.
func (c *Cache) Set(ctx context.Context, fingerprint string, entry Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding decision for cache: %w", err)
	}
	if err := c.redis.Set(ctx, c.keyPrefix+fingerprint, raw, ttl).Err(); err != nil {
		return fmt.Errorf("writing decision cache: %w", err)
	}
	return nil
}

// Purge removes fingerprint's cached entry (spec.md §4.4 "Invalidation").
// The policy engine does not call it: entries with a stale policy_version
// are treated as misses and overwritten by the next Set.
func (c *Cache) Purge(ctx context.Context, fingerprint string) error {
	return c.redis.Del(ctx, c.keyPrefix+fingerprint).Err()
}

// Coalesce ensures only one concurrent call to compute for a given
// fingerprint is in flight; all callers racing on the same fingerprint
// observe the same (entry, err) pair — spec.md §4.5 "single-flight" and the
// S6 concurrent-decide test scenario.
func (c *Cache) Coalesce(fingerprint string, compute func() (*Entry, error)) (*Entry, error) {
	c.mu.Lock()
	if existing, ok := c.flight[fingerprint]; ok {
		c.mu.Unlock()
		existing.wg.Wait()
		return existing.entry, existing.err
	}

	cl := &call{}
	cl.wg.Add(1)
	c.flight[fingerprint] = cl
	c.mu.Unlock()

	cl.entry, cl.err = compute()
	cl.wg.Done()

	c.mu.Lock()
	delete(c.flight, fingerprint)
	c.mu.Unlock()

	return cl.entry, cl.err
}
