package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/relaycore/feedrelay/model"
	"github.com/relaycore/feedrelay/tracing"
)

// batchItem is the wire shape of one item within a batched request body.
type batchItem struct {
	Index   int             `json:"index"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// batchResponse is the wire shape expected back from a batch-capable
// endpoint. FailedIndices, when present, names which positions in the
// request failed; its absence means the whole request either succeeded
// or failed as a unit.
type batchResponse struct {
	FailedIndices []int `json:"failed_indices"`
}

// SendBatch groups items addressed to the same endpoint into one HTTP
// request when the endpoint advertises batch support, falling back to
// individual Send calls otherwise. items must all share the same
// Endpoint; SendBatch does not partition by endpoint itself.
func (s *Sender) SendBatch(ctx context.Context, items []*model.Item) []model.DeliveryOutcome {
	if len(items) == 0 {
		return nil
	}

	endpoint := items[0].Endpoint
	_, _, batchCapable := s.resolver.Resolve(endpoint)
	if !batchCapable {
		out := make([]model.DeliveryOutcome, len(items))
		for i, item := range items {
			out[i] = s.Send(ctx, item)
		}
		return out
	}

	permit, onResult := s.breaker.Allow(endpoint)
	if !permit {
		return failAll(items, model.ErrBreakerOpen)
	}

	s.metrics.Observe("rate_limit_wait_seconds", map[string]string{"endpoint": endpoint}, s.limiter.Wait(endpoint).Seconds())
	if err := s.limiter.Acquire(ctx, endpoint); err != nil {
		onResult(true)
		return failAll(items, model.ErrShuttingDown)
	}

	span := tracing.StartSpan(tracing.SpanContext{})
	start := s.clock.Now()
	status, failedIdx, hadFailedIdx, kind := s.attemptBatch(ctx, endpoint, items, span)
	s.metrics.Observe("send_duration_seconds", map[string]string{"endpoint": endpoint}, s.clock.Now().Sub(start).Seconds())
	onResult(kind == model.ErrNone)

	if kind != model.ErrNone {
		// Whole batch treated as failed; the dispatcher retries each item
		// individually through Send when the failure kind is retryable.
		return failAll(items, kind)
	}

	out := make([]model.DeliveryOutcome, len(items))
	if !hadFailedIdx {
		for i := range items {
			out[i] = model.Succeeded(0, status, 1)
		}
		return out
	}

	failed := make(map[int]bool, len(failedIdx))
	for _, idx := range failedIdx {
		failed[idx] = true
	}
	for i := range items {
		if failed[i] {
			out[i] = model.Failed(model.ErrServer5xx, items[i].Attempt+1, status)
		} else {
			out[i] = model.Succeeded(0, status, 1)
		}
	}
	return out
}

func failAll(items []*model.Item, kind model.ErrorKind) []model.DeliveryOutcome {
	out := make([]model.DeliveryOutcome, len(items))
	for i, item := range items {
		out[i] = model.Failed(kind, item.Attempt+1, 0)
	}
	return out
}

func (s *Sender) attemptBatch(ctx context.Context, endpoint string, items []*model.Item, span tracing.Span) (status int, failedIdx []int, hadFailedIdx bool, kind model.ErrorKind) {
	url, headers, _ := s.resolver.Resolve(endpoint)

	wire := make([]batchItem, len(items))
	for i, item := range items {
		wire[i] = batchItem{Index: i, ID: item.ID, Payload: item.Payload}
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return 0, nil, false, model.ErrValidationFailed
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.perAttemptTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, false, model.ErrNetwork
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tracing.HeaderName, span.TraceParentHeader())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if attemptCtx.Err() != nil {
			return 0, nil, false, model.ErrTimeout
		}
		return 0, nil, false, model.ErrNetwork
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	respKind := classify(resp.StatusCode)
	if respKind != model.ErrNone {
		return resp.StatusCode, nil, false, respKind
	}

	var parsed batchResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil && parsed.FailedIndices != nil {
		return resp.StatusCode, parsed.FailedIndices, true, model.ErrNone
	}
	return resp.StatusCode, nil, false, model.ErrNone
}
