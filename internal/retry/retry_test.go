package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func alwaysTransient(error) bool { return true }
func neverTransient(error) bool  { return false }

func TestRetriesTransientUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 3, Base: time.Millisecond, MaxDelay: 10 * time.Millisecond}, alwaysTransient,
		func(context.Context) error {
			attempts++
			if attempts < 2 {
				return errors.New("transient")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestNonTransientFailsFast(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 3, Base: time.Millisecond, MaxDelay: 10 * time.Millisecond}, neverTransient,
		func(context.Context) error {
			attempts++
			return errors.New("client error")
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error should not be retried, got %d attempts", attempts)
	}
}

func TestExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 3, Base: time.Millisecond, MaxDelay: 10 * time.Millisecond}, alwaysTransient,
		func(context.Context) error {
			attempts++
			return errors.New("always fails")
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
