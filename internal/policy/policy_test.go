package policy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/apathy-ca/sark/internal/audit"
	"github.com/apathy-ca/sark/internal/cache"
	"github.com/apathy-ca/sark/internal/telemetry"
)

type noopSink struct{}

func (noopSink) Enqueue(ctx context.Context, ev audit.Event) error { return nil }

type fakeEngine struct {
	calls    int32
	decision string
	reason   string
	err      error
}

func (f *fakeEngine) Evaluate(ctx context.Context, pkg string, canonicalInput []byte) (engineResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return engineResponse{}, f.err
	}
	return engineResponse{Result: &struct {
		Decision    string            `json:"decision"`
		Reason      string            `json:"reason"`
		Obligations map[string]string `json:"obligations"`
	}{Decision: f.decision, Reason: f.reason}}, nil
}

func newTestEngine(t *testing.T, fe *fakeEngine) *Engine {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.New(rdb)
	emitter := audit.NewEmitter(noopSink{}, telemetry.NewLogger("text", "error"))
	return New(c, fe, emitter, "sark/authz", DefaultTTLConfig(), time.Second, "v1")
}

func TestDecideCachesAllowAndHitsOnSecondCall(t *testing.T) {
	fe := &fakeEngine{decision: "allow"}
	eng := newTestEngine(t, fe)

	in := Input{PrincipalID: "alice", Action: "read", Resource: "server:1", Context: map[string]string{}, Timestamp: time.Now()}

	out1, err := eng.Decide(context.Background(), in)
	if err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if out1.CacheStatus != "MISS" || out1.Decision != Allow {
		t.Fatalf("unexpected first outcome: %+v", out1)
	}

	out2, err := eng.Decide(context.Background(), in)
	if err != nil {
		t.Fatalf("second decide: %v", err)
	}
	if out2.CacheStatus != "HIT" {
		t.Fatalf("expected second call to hit cache, got %+v", out2)
	}
	if atomic.LoadInt32(&fe.calls) != 1 {
		t.Fatalf("expected exactly 1 engine call, got %d", fe.calls)
	}
}

func TestDecideCanonicalizesReorderedContextIdentically(t *testing.T) {
	fe := &fakeEngine{decision: "allow"}
	eng := newTestEngine(t, fe)
	ts := time.Now()

	in1 := Input{PrincipalID: "alice", Roles: []string{"b", "a"}, Action: "read", Resource: "server:1", Context: map[string]string{"x": "1", "y": "2"}, Timestamp: ts}
	in2 := Input{PrincipalID: "alice", Roles: []string{"a", "b"}, Action: "read", Resource: "server:1", Context: map[string]string{"y": "2", "x": "1"}, Timestamp: ts}

	out1, err := eng.Decide(context.Background(), in1)
	if err != nil {
		t.Fatalf("decide in1: %v", err)
	}
	out2, err := eng.Decide(context.Background(), in2)
	if err != nil {
		t.Fatalf("decide in2: %v", err)
	}
	if out1.Fingerprint != out2.Fingerprint {
		t.Fatalf("expected identical fingerprints for reordered equivalent input, got %s vs %s", out1.Fingerprint, out2.Fingerprint)
	}
	if atomic.LoadInt32(&fe.calls) != 1 {
		t.Fatalf("expected reordered-but-equal input to hit cache on second call, got %d engine calls", fe.calls)
	}
}

func TestDecideFailsClosedOnMissingFields(t *testing.T) {
	fe := &fakeEngine{decision: "allow"}
	eng := newTestEngine(t, fe)

	out, err := eng.Decide(context.Background(), Input{PrincipalID: "alice"})
	if err == nil {
		t.Fatal("expected error for missing action/resource")
	}
	if out.Decision != Deny || out.Reason != "invalid_input" {
		t.Fatalf("expected fail-closed deny with invalid_input, got %+v", out)
	}
	if atomic.LoadInt32(&fe.calls) != 0 {
		t.Fatal("expected engine not to be called for invalid input")
	}
}

func TestDecideConcurrentCoalescesSingleEngineCall(t *testing.T) {
	fe := &fakeEngine{decision: "deny", reason: "policy_says_no"}
	eng := newTestEngine(t, fe)
	in := Input{PrincipalID: "bob", Action: "write", Resource: "server:2", Context: map[string]string{}, Timestamp: time.Now()}

	const n = 50
	results := make(chan Outcome, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			out, err := eng.Decide(context.Background(), in)
			results <- out
			errs <- err
		}()
	}

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent decide failed: %v", err)
		}
		out := <-results
		if out.Decision != Deny {
			t.Fatalf("expected deny, got %v", out.Decision)
		}
	}

	if atomic.LoadInt32(&fe.calls) != 1 {
		t.Fatalf("expected exactly 1 engine call across 50 concurrent decides, got %d", fe.calls)
	}
}
