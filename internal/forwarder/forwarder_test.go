package forwarder

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apathy-ca/sark/internal/audit"
	"github.com/apathy-ca/sark/internal/breaker"
	"github.com/apathy-ca/sark/internal/fallback"
	"github.com/apathy-ca/sark/internal/retry"
	"github.com/apathy-ca/sark/internal/siem"
	"github.com/apathy-ca/sark/internal/telemetry"
)

type fakeAdapter struct {
	name    string
	calls   int32
	fail    bool
	lastLen int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) SendBatch(ctx context.Context, events []audit.Event) (siem.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastLen = len(events)
	if f.fail {
		return siem.Result{Retryable: true}, errFake
	}
	return siem.Result{Accepted: len(events)}, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) (siem.HealthStatus, error) {
	return siem.HealthStatus{Healthy: !f.fail}, nil
}

var errFake = fakeErr("simulated failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func newTestQueue(t *testing.T) *fallback.Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := fallback.New(dir)
	if err != nil {
		t.Fatalf("fallback.New: %v", err)
	}
	return q
}

func TestForwarderDispatchesBatchOnSizeTrigger(t *testing.T) {
	adapter := &fakeAdapter{name: "test"}
	q := newTestQueue(t)
	logger := telemetry.NewLogger("text", "error")

	dest := Destination{
		Adapter: adapter,
		Breaker: breaker.New("test", breaker.DefaultConfig(), logger),
		Retry:   retry.Config{MaxAttempts: 1, Base: time.Millisecond, MaxDelay: time.Millisecond},
	}
	fwd := New([]Destination{dest}, q, logger, Config{BatchSize: 2, BatchInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	fwd.Start(ctx)

	_ = fwd.Enqueue(ctx, audit.NewEvent(audit.KindAuthnSuccess))
	_ = fwd.Enqueue(ctx, audit.NewEvent(audit.KindAuthnSuccess))

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&adapter.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	fwd.Close()

	if atomic.LoadInt32(&adapter.calls) == 0 {
		t.Fatal("expected adapter to be called once batch size was reached")
	}
	if adapter.lastLen != 2 {
		t.Fatalf("expected batch of 2, got %d", adapter.lastLen)
	}
}

func TestForwarderDivertsToFallbackOnPersistentFailure(t *testing.T) {
	adapter := &fakeAdapter{name: "test", fail: true}
	q := newTestQueue(t)
	logger := telemetry.NewLogger("text", "error")

	dest := Destination{
		Adapter: adapter,
		Breaker: breaker.New("test", breaker.Config{FailureThreshold: 100, SuccessThreshold: 1, RecoveryTimeout: time.Hour}, logger),
		Retry:   retry.Config{MaxAttempts: 1, Base: time.Millisecond, MaxDelay: time.Millisecond},
	}
	fwd := New([]Destination{dest}, q, logger, Config{BatchSize: 1, BatchInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	fwd.Start(ctx)
	_ = fwd.Enqueue(ctx, audit.NewEvent(audit.KindAuthnFailure))

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&adapter.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	fwd.Close()

	replayed, err := fwd.Replay(context.Background())
	if err == nil {
		t.Fatal("expected replay to still fail against the failing adapter")
	}
	_ = replayed
}
