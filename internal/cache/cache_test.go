package cache

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestCoalesceSingleFlight(t *testing.T) {
	c := New(nil)

	var calls int32
	var wg sync.WaitGroup
	results := make([]*Entry, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			entry, err := c.Coalesce("fp-1", func() (*Entry, error) {
				atomic.AddInt32(&calls, 1)
				return &Entry{PolicyVersion: "v1"}, nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[idx] = entry
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 compute call, got %d", got)
	}
	for i, r := range results {
		if r == nil || r.PolicyVersion != "v1" {
			t.Fatalf("result %d missing or wrong: %+v", i, r)
		}
	}
}

func TestCoalesceIndependentFingerprints(t *testing.T) {
	c := New(nil)
	var calls int32

	var wg sync.WaitGroup
	for _, fp := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			_, _ = c.Coalesce(fp, func() (*Entry, error) {
				atomic.AddInt32(&calls, 1)
				return &Entry{}, nil
			})
		}(fp)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 compute calls for distinct fingerprints, got %d", got)
	}
}
