package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/techplay/ab-cli/internal/model"
	"github.com/techplay/ab-cli/internal/resilience"
)

// DataLayer is an in-memory, ordered event queue in the shape of an
// analytics dataLayer: each entry is the flattened event payload.
type DataLayer struct {
	mu      sync.Mutex
	entries []map[string]any
}

// NewDataLayer creates an empty DataLayer.
func NewDataLayer() *DataLayer {
	return &DataLayer{}
}

func (d *DataLayer) Emit(_ context.Context, ev model.Event) error {
	d.mu.Lock()
	d.entries = append(d.entries, ev.Payload())
	d.mu.Unlock()
	return nil
}

// Entries returns a copy of the queued payloads in arrival order.
func (d *DataLayer) Entries() []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]map[string]any, len(d.entries))
	copy(out, d.entries)
	return out
}

// Count returns how many entries carry the given event name.
func (d *DataLayer) Count(name model.EventName) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.entries {
		if e["event"] == string(name) {
			n++
		}
	}
	return n
}

// EventRecorder is the part of store.Store a StoreSink needs.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev model.Event) error
}

// StoreSink persists events to the server-side event log.
type StoreSink struct {
	rec EventRecorder
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(rec EventRecorder) *StoreSink {
	return &StoreSink{rec: rec}
}

func (s *StoreSink) Emit(ctx context.Context, ev model.Event) error {
	return eris.Wrap(s.rec.RecordEvent(ctx, ev), "store sink")
}

// HTTPSinkConfig configures an HTTPSink.
type HTTPSinkConfig struct {
	Endpoint   string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Retry      resilience.RetryConfig
	Circuit    resilience.CircuitBreakerConfig
}

// HTTPSink POSTs each event's JSON payload to a logging endpoint. Transient
// failures are retried; a failing endpoint trips a circuit breaker so events
// are dropped fast instead of queueing behind retries.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryConfig
}

// NewHTTPSink creates an HTTPSink. A zero RatePerSec disables rate limiting.
func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	retry := cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("http")
	}
	return &HTTPSink{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  resilience.NewCircuitBreaker(cfg.Circuit),
		retry:    retry,
	}
}

func (h *HTTPSink) Emit(ctx context.Context, ev model.Event) error {
	body, err := json.Marshal(ev.Payload())
	if err != nil {
		return eris.Wrap(err, "http sink: marshal event")
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "http sink: rate limit")
	}
	return resilience.Do(ctx, h.retry, func(ctx context.Context) error {
		return h.breaker.Execute(ctx, func(ctx context.Context) error {
			return h.post(ctx, body)
		})
	})
}

func (h *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "http sink: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "http sink: post")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := eris.Errorf("http sink: endpoint returned %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(statusErr, resp.StatusCode)
	}
	return statusErr
}

// State exposes the circuit state for health reporting.
func (h *HTTPSink) State() resilience.CircuitState {
	return h.breaker.State()
}
