// Package forwarder implements the SIEM batch forwarder (C12, spec.md
// §4.9–§4.10): a bounded ingress queue, size/interval batching, and
// per-destination dispatch wrapped in a circuit breaker and retry
// scheduler, diverting to the fallback queue once retries are exhausted
// or the breaker is open. Ingestion satisfies internal/audit's narrow
// Sink interface, so the audit emitter depends only on that interface and
// never on this package's concrete types — avoiding the cyclic dependency
// spec.md §9 calls out.
package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apathy-ca/sark/internal/audit"
	"github.com/apathy-ca/sark/internal/breaker"
	"github.com/apathy-ca/sark/internal/fallback"
	"github.com/apathy-ca/sark/internal/retry"
	"github.com/apathy-ca/sark/internal/siem"
)

const ingressQueueSize = 8192

// Destination pairs one adapter with its own breaker and retry policy, so
// one unhealthy SIEM target never blocks dispatch to the others.
type Destination struct {
	Adapter siem.Adapter
	Breaker *breaker.Breaker
	Retry   retry.Config
}

// Forwarder batches incoming audit events and dispatches them to every
// configured destination independently.
type Forwarder struct {
	destinations []Destination
	fallbackQ    *fallback.Queue
	logger       *slog.Logger

	batchSize     int
	batchInterval time.Duration

	entries chan audit.Event
	wg      sync.WaitGroup
}

// Config tunes batching (spec.md §4.9 defaults: 100 events / 5s).
type Config struct {
	BatchSize     int
	BatchInterval time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 100, BatchInterval: 5 * time.Second}
}

func New(destinations []Destination, fallbackQ *fallback.Queue, logger *slog.Logger, cfg Config) *Forwarder {
	return &Forwarder{
		destinations:  destinations,
		fallbackQ:     fallbackQ,
		logger:        logger,
		batchSize:     cfg.BatchSize,
		batchInterval: cfg.BatchInterval,
		entries:       make(chan audit.Event, ingressQueueSize),
	}
}

// Enqueue implements audit.Sink: it never blocks the caller, diverting
// straight to the fallback queue if the ingress channel is saturated.
func (f *Forwarder) Enqueue(ctx context.Context, event audit.Event) error {
	select {
	case f.entries <- event:
		return nil
	default:
		return f.divertSingle(event, "ingress queue saturated")
	}
}

// Start begins the batching loop. Call Close to drain and stop.
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(ctx)
	}()
}

func (f *Forwarder) Close() {
	close(f.entries)
	f.wg.Wait()
}

func (f *Forwarder) run(ctx context.Context) {
	ticker := time.NewTicker(f.batchInterval)
	defer ticker.Stop()

	batch := make([]audit.Event, 0, f.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		f.dispatch(batch)
		batch = make([]audit.Event, 0, f.batchSize)
	}

	for {
		select {
		case ev, ok := <-f.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= f.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// dispatch sends one batch to every destination concurrently; each
// destination's failure is independent of the others'.
func (f *Forwarder) dispatch(batch []audit.Event) {
	var wg sync.WaitGroup
	for _, dest := range f.destinations {
		dest := dest
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.dispatchOne(dest, batch)
		}()
	}
	wg.Wait()
}

func (f *Forwarder) dispatchOne(dest Destination, batch []audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := dest.Breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, dest.Retry, isTransient, func(ctx context.Context) error {
			_, sendErr := dest.Adapter.SendBatch(ctx, batch)
			return sendErr
		})
	})
	if err != nil {
		f.logger.Warn("batch dispatch failed, diverting to fallback",
			"destination", dest.Adapter.Name(), "error", err, "batch_size", len(batch))
		if divertErr := f.divertBatch(dest.Adapter.Name(), batch, err); divertErr != nil {
			f.logger.Error("diverting batch to fallback queue failed",
				"destination", dest.Adapter.Name(), "error", divertErr)
		}
	}
}

func (f *Forwarder) divertBatch(destination string, batch []audit.Event, cause error) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding diverted batch: %w", err)
	}
	return f.fallbackQ.Append(fallback.Entry{
		Destination: destination,
		FailedAt:    time.Now(),
		Events:      raw,
		LastError:   cause.Error(),
	})
}

func (f *Forwarder) divertSingle(ev audit.Event, reason string) error {
	raw, err := json.Marshal([]audit.Event{ev})
	if err != nil {
		return fmt.Errorf("encoding diverted event: %w", err)
	}
	return f.fallbackQ.Append(fallback.Entry{
		Destination: "ingress",
		FailedAt:    time.Now(),
		Events:      raw,
		LastError:   reason,
	})
}

// isTransient classifies a SendBatch error as worth retrying. siem
// adapters wrap non-2xx responses in plain errors; retryability is
// communicated structurally by the 4xx/5xx split inside each adapter, so
// here we retry everything except the one kind of error that signals a
// definitively rejected payload: none currently, since malformed-payload
// errors never reach the network. All adapter errors are treated as
// transient network/server failures.
func isTransient(err error) bool {
	return err != nil
}

// Replay drains the fallback queue, re-attempting delivery to the
// destination named in each entry. Used by the replay worker mode
// (spec.md §4.10, SPEC_FULL.md §4).
func (f *Forwarder) Replay(ctx context.Context) (int, error) {
	replayed := 0
	err := f.fallbackQ.ReplayAll(func(entry fallback.Entry) error {
		var events []audit.Event
		if err := json.Unmarshal(entry.Events, &events); err != nil {
			return fmt.Errorf("decoding fallback entry: %w", err)
		}

		for _, dest := range f.destinations {
			if dest.Adapter.Name() != entry.Destination && entry.Destination != "ingress" {
				continue
			}
			if _, err := dest.Adapter.SendBatch(ctx, events); err != nil {
				return err
			}
		}
		replayed++
		return nil
	})
	return replayed, err
}
