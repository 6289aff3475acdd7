// Package calllog accumulates the structured record of one call and
// flushes it exactly once to an external sink over HTTP, with
// at-least-once delivery backed by an idempotency key.
package calllog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/eventbus"
	"github.com/voicedesk/secretary/internal/reliability"
)

// errRejected wraps a non-retryable HTTP rejection (e.g. a 400), so
// Deliver's retry loop can recognize it and give up immediately instead
// of burning through every attempt on a record the sink will never
// accept.
type errRejected struct{ err error }

func (e *errRejected) Error() string { return e.err.Error() }
func (e *errRejected) Unwrap() error { return e.err }

const (
	defaultFlushTimeout = 10 * time.Second
	maxFlushAttempts    = 4
	backoffBase         = 200 * time.Millisecond
	backoffCap          = 5 * time.Second
)

// Sink delivers a finished CallRecord to an external system. The HTTP
// implementation below is the production Sink; tests can substitute a
// fake.
type Sink interface {
	Deliver(ctx context.Context, record calldata.CallRecord) error
}

// HTTPSink POSTs one JSON object per call, at-least-once, with an
// Idempotency-Key header set to the call UUID so a retried delivery
// is safe to de-duplicate server-side.
type HTTPSink struct {
	URL     string
	Client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewHTTPSink constructs an HTTPSink wrapped in a circuit breaker so a
// sink outage fails fast instead of blocking every call's flush on a
// full timeout.
func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: defaultFlushTimeout}
	}
	return &HTTPSink{
		URL:    url,
		Client: client,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "calllog-sink",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool { return err == nil },
		}),
	}
}

// Deliver posts record, retrying retryable failures with capped
// exponential backoff, routed through a circuit breaker.
func (s *HTTPSink) Deliver(ctx context.Context, record calldata.CallRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxFlushAttempts; attempt++ {
		_, err := s.breaker.Execute(func() (*http.Response, error) {
			return s.post(ctx, record.CallUUID, body)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("call log sink circuit open: %w", err)
		}
		var rejected *errRejected
		if errors.As(err, &rejected) {
			return fmt.Errorf("deliver call record: %w", rejected)
		}

		delay := reliability.ExponentialBackoff(attempt, backoffBase, backoffCap)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("deliver call record after %d attempts: %w", maxFlushAttempts, lastErr)
}

func (s *HTTPSink) post(ctx context.Context, idempotencyKey string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 300 {
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, fmt.Errorf("call log sink HTTP %d: %s", resp.StatusCode, string(respBody))
		}
		return resp, &errRejected{fmt.Errorf("call log sink rejected record: HTTP %d: %s", resp.StatusCode, string(respBody))}
	}
	return resp, nil
}

// Recorder accumulates one call's events and tool invocations from its
// Event Bus and builds the CallRecord flushed on completion.
type Recorder struct {
	mu      sync.Mutex
	record  calldata.CallRecord
	unsub   []func()
	flushed bool
}

// NewRecorder starts recording callID's traffic from bus. The returned
// Recorder owns its own subscriptions and must be stopped with
// Flush (which also unsubscribes).
func NewRecorder(callID, tenantID, secretaryID, callerID, callerName string, startedAt time.Time, bus *eventbus.Bus) *Recorder {
	r := &Recorder{
		record: calldata.CallRecord{
			CallUUID:    callID,
			TenantID:    tenantID,
			SecretaryID: secretaryID,
			CallerID:    callerID,
			CallerName:  callerName,
			StartedAt:   startedAt,
			Metrics:     make(map[string]any),
		},
	}

	r.unsub = append(r.unsub, bus.Subscribe(calldata.EventToolCompleted, r.recordTool(true)))
	r.unsub = append(r.unsub, bus.Subscribe(calldata.EventToolFailed, r.recordTool(false)))

	for _, kind := range []calldata.EventKind{
		calldata.EventStateChanged,
		calldata.EventTransferRequested, calldata.EventTransferCompleted, calldata.EventTransferFailed,
		calldata.EventConnectionDegraded, calldata.EventConnectionLost, calldata.EventProviderTimeout,
		calldata.EventHoldStarted, calldata.EventHoldEnded,
	} {
		r.unsub = append(r.unsub, bus.Subscribe(kind, r.recordEvent))
	}

	return r
}

func (r *Recorder) recordEvent(evt calldata.VoiceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.Events = append(r.record.Events, calldata.CallRecordEvent{
		Kind: evt.Kind,
		TS:   evt.Timestamp.UnixMilli(),
		Data: evt.Payload,
	})
}

func (r *Recorder) recordTool(success bool) eventbus.Handler {
	return func(evt calldata.VoiceEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		name, _ := evt.Payload["tool"].(string)
		args, _ := evt.Payload["arguments"].(map[string]any)
		data, _ := evt.Payload["data"].(map[string]any)
		durationMS, _ := evt.Payload["duration_ms"].(int64)
		r.record.Tools = append(r.record.Tools, calldata.CallRecordTool{
			Name:       name,
			Input:      args,
			Output:     data,
			DurationMS: durationMS,
			Success:    success,
		})
		r.record.Events = append(r.record.Events, calldata.CallRecordEvent{
			Kind: evt.Kind,
			TS:   evt.Timestamp.UnixMilli(),
			Data: evt.Payload,
		})
	}
}

// SetMetric records one metric on the in-progress call record.
func (r *Recorder) SetMetric(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.Metrics[key] = value
}

// Flush finalizes the record with its terminal state/outcome, stops
// accumulating further events, and delivers it to sink exactly once.
// A second call to Flush is a no-op, matching the "exactly one
// CallRecord flushed per call" guarantee.
func (r *Recorder) Flush(ctx context.Context, sink Sink, finalState string, outcome calldata.CallOutcome) error {
	r.mu.Lock()
	if r.flushed {
		r.mu.Unlock()
		return nil
	}
	r.flushed = true
	for _, unsub := range r.unsub {
		unsub()
	}
	r.record.EndedAt = time.Now()
	r.record.DurationMS = r.record.EndedAt.Sub(r.record.StartedAt).Milliseconds()
	r.record.FinalState = finalState
	r.record.Outcome = outcome
	record := r.record
	r.mu.Unlock()

	return sink.Deliver(ctx, record)
}
