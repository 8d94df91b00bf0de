// Package retry implements a bounded exponential-backoff-with-jitter
// scheduler. Like internal/breaker, no retry/backoff library appears in
// the reference corpus, so this is hand-rolled against spec.md §4.7.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config tunes the backoff schedule.
type Config struct {
	MaxAttempts int           // total calls of fn, the first included (default 3, per spec.md §4.7)
	Base        time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig mirrors spec.md §4.7's defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Base: 200 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Classifier decides whether an error is worth retrying. Timeouts, 5xx, and
// connection resets are transient; 4xx client errors are not.
type Classifier func(error) bool

// Do runs fn at most cfg.MaxAttempts times in total (the first call
// included), retrying only on errors classifier reports as transient, with exponential backoff (base * 2^attempt) capped
// at MaxDelay plus uniform jitter in [0, base]. Returns the last error seen
// if all attempts are exhausted.
func Do(ctx context.Context, cfg Config, classifier Classifier, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !classifier(err) {
			return err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(cfg, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	exp := cfg.Base * time.Duration(1<<uint(attempt))
	if exp > cfg.MaxDelay {
		exp = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.Base) + 1))
	total := exp + jitter
	if total > cfg.MaxDelay {
		total = cfg.MaxDelay
	}
	return total
}
