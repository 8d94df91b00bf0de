// Package audit implements the canonical audit event model and the emitter
// (C13, spec.md §4.12) that publishes events to the SIEM forwarder. The
// buffered-channel/background-goroutine/dual-flush-trigger shape is
// adapted directly from the teacher's audit writer — the closest analog in
// the whole corpus — but the overflow policy changes from "drop with a
// warning log" to "divert to the fallback queue", since spec.md requires
// no audit event be silently lost.
package audit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the audit event kinds named in spec.md §3.
type Kind string

const (
	KindAuthnSuccess    Kind = "authn_success"
	KindAuthnFailure    Kind = "authn_failure"
	KindPolicyAllow     Kind = "policy_allow"
	KindPolicyDeny      Kind = "policy_deny"
	KindPolicyError     Kind = "policy_error"
	KindKeyIssued       Kind = "key_issued"
	KindKeyRevoked      Kind = "key_revoked"
	KindSessionRevoked  Kind = "session_revoked"
)

// Event is the canonical, immutable-once-emitted audit record.
type Event struct {
	EventID     string            `json:"event_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	EventKind   Kind              `json:"event_kind"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Action      string            `json:"action,omitempty"`
	Resource    string            `json:"resource,omitempty"`
	Outcome     string            `json:"outcome,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// NewEvent stamps a fresh event_id and occurred_at.
func NewEvent(kind Kind) Event {
	return Event{
		EventID:    uuid.NewString(),
		OccurredAt: time.Now(),
		EventKind:  kind,
		Attributes: map[string]string{},
	}
}

// Sink is the narrow interface the emitter publishes finished batches
// through — implemented by the SIEM forwarder's ingress queue. The emitter
// depends only on Sink; nothing calls back from the forwarder into the
// emitter, avoiding the cyclic dependency the design notes flag.
type Sink interface {
	Enqueue(ctx context.Context, event Event) error
}

const (
	bufferSize    = 4096
	flushInterval = 500 * time.Millisecond
	flushBatch    = 64
)

// Emitter receives audit events from authN, PDE, API-key, and session
// subsystems and publishes them to the forwarder without ever blocking the
// calling subsystem.
type Emitter struct {
	sink    Sink
	logger  *slog.Logger
	entries chan Event
	wg      sync.WaitGroup

	onDrop func(Event)
}

// NewEmitter constructs an Emitter. Call Start to begin processing.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	return &Emitter{
		sink:    sink,
		logger:  logger,
		entries: make(chan Event, bufferSize),
	}
}

// OnDrop registers a callback invoked whenever an event is diverted because
// the buffer is saturated, used to wire the fallback queue (C5).
func (e *Emitter) OnDrop(fn func(Event)) { e.onDrop = fn }

// Start begins the background goroutine draining events to the sink.
func (e *Emitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
}

// Close waits for the background goroutine to drain and exit.
func (e *Emitter) Close() {
	close(e.entries)
	e.wg.Wait()
}

// Emit enqueues ev without blocking. If the buffer is saturated, ev is
// diverted via OnDrop instead of being silently lost (spec.md §4.12).
func (e *Emitter) Emit(ev Event) {
	select {
	case e.entries <- ev:
	default:
		e.logger.Warn("audit emitter buffer full, diverting event",
			"event_kind", ev.EventKind, "event_id", ev.EventID)
		if e.onDrop != nil {
			e.onDrop(ev)
		}
	}
}

func (e *Emitter) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-e.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-e.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (e *Emitter) flush(events []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, ev := range events {
		if err := e.sink.Enqueue(ctx, ev); err != nil {
			e.logger.Error("enqueuing audit event to forwarder", "error", err, "event_id", ev.EventID)
			if e.onDrop != nil {
				e.onDrop(ev)
			}
		}
	}
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
