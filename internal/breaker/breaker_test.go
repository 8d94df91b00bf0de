package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpensAfterThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: time.Hour}, nil)
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return failing })
		if !errors.Is(err, failing) {
			t.Fatalf("call %d: expected failing error, got %v", i, err)
		}
	}

	if b.State() != Open {
		t.Fatalf("expected OPEN after 3 failures, got %s", b.State())
	}

	called := false
	err := b.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	if called {
		t.Fatal("protected operation must not be invoked while OPEN")
	}
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *OpenError, got %v", err)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: time.Millisecond}, nil)

	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	if b.State() != Open {
		t.Fatal("expected OPEN")
	}

	time.Sleep(2 * time.Millisecond)

	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return nil })
		if err != nil {
			t.Fatalf("trial call %d failed: %v", i, err)
		}
	}

	if b.State() != Closed {
		t.Fatalf("expected CLOSED after success threshold, got %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: time.Millisecond}, nil)
	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	time.Sleep(2 * time.Millisecond)

	err := b.Execute(context.Background(), func(context.Context) error { return errors.New("still bad") })
	if err == nil {
		t.Fatal("expected error")
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN again after half-open failure, got %s", b.State())
	}
}
