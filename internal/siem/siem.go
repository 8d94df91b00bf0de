// Package siem implements the outbound adapters of spec.md §4.9: Splunk
// HTTP Event Collector, Datadog Logs, and a local-file fallback target.
// Each adapter's HTTP plumbing (context-scoped request, status-code
// classification, response-body error surfacing) is grounded on
// pkg/mattermost/client.go's `do` helper, the only hand-rolled outbound
// HTTP client in the corpus.
package siem

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apathy-ca/sark/internal/audit"
	"github.com/apathy-ca/sark/internal/fallback"
)

// Result reports the outcome of one send_batch call (spec.md §4.9).
type Result struct {
	Accepted     int
	StatusCode   int
	Retryable    bool
	ResponseBody string
}

// HealthStatus reports whether a destination is currently reachable.
type HealthStatus struct {
	Healthy bool
	Detail  string
}

// Adapter is the uniform interface every SIEM destination implements, so
// the forwarder (C12) can dispatch without knowing the wire format.
type Adapter interface {
	Name() string
	SendBatch(ctx context.Context, events []audit.Event) (Result, error)
	HealthCheck(ctx context.Context) (HealthStatus, error)
}

const gzipThresholdBytes = 1024

// --- Splunk HTTP Event Collector ---

// SplunkAdapter posts events as newline-delimited JSON to a Splunk HEC
// endpoint, one JSON object per event wrapped in HEC's {"event": ...}
// envelope.
type SplunkAdapter struct {
	url        string
	token      string
	source     string
	sourcetype string
	index      string
	httpClient *http.Client
}

func NewSplunkAdapter(url, token, source, sourcetype, index string, timeout time.Duration) *SplunkAdapter {
	return &SplunkAdapter{
		url: url, token: token, source: source, sourcetype: sourcetype, index: index,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *SplunkAdapter) Name() string { return "splunk" }

func (a *SplunkAdapter) SendBatch(ctx context.Context, events []audit.Event) (Result, error) {
	var buf bytes.Buffer
	for _, ev := range events {
		envelope := map[string]any{
			"time":       ev.OccurredAt.Unix(),
			"source":     a.source,
			"sourcetype": a.sourcetype,
			"index":      a.index,
			"event":      ev,
		}
		raw, err := json.Marshal(envelope)
		if err != nil {
			return Result{}, fmt.Errorf("encoding splunk envelope: %w", err)
		}
		buf.Write(raw)
		buf.WriteByte('\n')
	}

	resp, statusCode, body, err := a.post(ctx, buf.Bytes())
	if err != nil {
		return Result{Retryable: true}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if statusCode != http.StatusOK {
		return Result{StatusCode: statusCode, ResponseBody: body, Retryable: isRetryableStatus(statusCode)},
			fmt.Errorf("splunk HEC rejected batch (status %d): %s", statusCode, body)
	}

	var ack struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal([]byte(body), &ack); err == nil && ack.Code != 0 {
		return Result{StatusCode: statusCode, ResponseBody: body, Retryable: true},
			fmt.Errorf("splunk HEC returned error code %d", ack.Code)
	}

	return Result{Accepted: len(events), StatusCode: statusCode}, nil
}

func (a *SplunkAdapter) HealthCheck(ctx context.Context) (HealthStatus, error) {
	_, statusCode, body, err := a.post(ctx, []byte(`{"event":"sark health check"}`))
	if err != nil {
		return HealthStatus{Healthy: false, Detail: err.Error()}, nil
	}
	return HealthStatus{Healthy: statusCode == http.StatusOK, Detail: body}, nil
}

func (a *SplunkAdapter) post(ctx context.Context, payload []byte) (*http.Response, int, string, error) {
	body := bytes.NewReader(payload)
	gzipped := len(payload) > gzipThresholdBytes

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, gzipReader(body, gzipped))
	if err != nil {
		return nil, 0, "", fmt.Errorf("creating splunk request: %w", err)
	}
	req.Header.Set("Authorization", "Splunk "+a.token)
	req.Header.Set("Content-Type", "application/json")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("sending to splunk: %w", err)
	}
	respBody, _ := io.ReadAll(resp.Body)
	return resp, resp.StatusCode, string(respBody), nil
}

// --- Datadog Logs ---

// DatadogAdapter posts events as a JSON array to the Datadog Logs intake.
type DatadogAdapter struct {
	url        string
	apiKey     string
	ddsource   string
	ddtags     string
	service    string
	httpClient *http.Client
}

func NewDatadogAdapter(url, apiKey, ddsource, ddtags, service string, timeout time.Duration) *DatadogAdapter {
	return &DatadogAdapter{
		url: url, apiKey: apiKey, ddsource: ddsource, ddtags: ddtags, service: service,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *DatadogAdapter) Name() string { return "datadog" }

// datadogLogEntry wraps one Audit Event under the "sark" namespace plus
// top-level duplicates of the fields Datadog indexes on, per spec.md §4.9.
type datadogLogEntry struct {
	DDSource string      `json:"ddsource"`
	DDTags   string      `json:"ddtags"`
	Service  string      `json:"service"`
	Message  string      `json:"message"`
	Sark     audit.Event `json:"sark"`

	EventID     string     `json:"event_id"`
	EventKind   audit.Kind `json:"event_kind"`
	PrincipalID string     `json:"principal_id,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
}

func (a *DatadogAdapter) SendBatch(ctx context.Context, events []audit.Event) (Result, error) {
	entries := make([]datadogLogEntry, len(events))
	for i, ev := range events {
		entries[i] = datadogLogEntry{
			DDSource:    a.ddsource,
			DDTags:      a.ddtags,
			Service:     a.service,
			Message:     string(ev.EventKind),
			Sark:        ev,
			EventID:     ev.EventID,
			EventKind:   ev.EventKind,
			PrincipalID: ev.PrincipalID,
			Outcome:     ev.Outcome,
		}
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return Result{}, fmt.Errorf("encoding datadog payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("creating datadog request: %w", err)
	}
	req.Header.Set("DD-API-KEY", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Result{Retryable: true}, fmt.Errorf("sending to datadog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return Result{StatusCode: resp.StatusCode, ResponseBody: string(body), Retryable: isRetryableStatus(resp.StatusCode)},
			fmt.Errorf("datadog logs intake rejected batch (status %d): %s", resp.StatusCode, string(body))
	}

	return Result{Accepted: len(events), StatusCode: resp.StatusCode}, nil
}

func (a *DatadogAdapter) HealthCheck(ctx context.Context) (HealthStatus, error) {
	_, err := a.SendBatch(ctx, nil)
	if err != nil {
		return HealthStatus{Healthy: false, Detail: err.Error()}, nil
	}
	return HealthStatus{Healthy: true}, nil
}

// --- File fallback adapter ---

// FileAdapter writes events to the fallback queue's ndjson store directly
// (spec.md §4.9). It is always available; the forwarder sends it every
// batch alongside the other destinations, not only batches they failed to
// deliver.
type FileAdapter struct {
	queue *fallback.Queue
}

func NewFileAdapter(queue *fallback.Queue) *FileAdapter {
	return &FileAdapter{queue: queue}
}

func (a *FileAdapter) Name() string { return "file" }

func (a *FileAdapter) SendBatch(ctx context.Context, events []audit.Event) (Result, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return Result{}, fmt.Errorf("encoding file batch: %w", err)
	}
	if err := a.queue.Append(fallback.Entry{
		Destination: "file",
		FailedAt:    time.Now(),
		Events:      raw,
	}); err != nil {
		return Result{}, fmt.Errorf("writing file batch: %w", err)
	}
	return Result{Accepted: len(events)}, nil
}

func (a *FileAdapter) HealthCheck(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{Healthy: true}, nil
}

func isRetryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}

func gzipReader(r *bytes.Reader, compress bool) io.Reader {
	if !compress {
		return r
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, _ = io.Copy(gw, r)
	_ = gw.Close()
	return &buf
}
