// Package sender implements the webhook sender: it composes the rate
// limiter and circuit breaker with an HTTP transport, retry/backoff, and
// trace-context propagation, grounded on the breaker-and-retry shape of
// other_examples' voicetyped webhook deliverer — rebuilt here against
// this module's own breaker/ratelimit/tracing packages instead of that
// file's local CircuitBreaker and worker pool.
package sender

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/relaycore/feedrelay/breaker"
	"github.com/relaycore/feedrelay/clock"
	"github.com/relaycore/feedrelay/collab"
	"github.com/relaycore/feedrelay/config"
	"github.com/relaycore/feedrelay/log"
	"github.com/relaycore/feedrelay/model"
	"github.com/relaycore/feedrelay/ratelimit"
	"github.com/relaycore/feedrelay/tracing"
)

// EndpointResolver maps an endpoint key to the destination URL and any
// static headers (auth, content-type overrides) to attach to every
// request, plus whether the endpoint accepts a batched request body.
type EndpointResolver interface {
	Resolve(endpointKey string) (url string, headers map[string]string, batchCapable bool)
}

// StaticResolver is an EndpointResolver backed by a fixed map, the
// collaborator-configured registration spec.md's BatchCapable field
// describes.
type StaticResolver map[string]EndpointSpec

// EndpointSpec is one endpoint's static delivery configuration.
type EndpointSpec struct {
	URL          string
	Headers      map[string]string
	BatchCapable bool
}

func (r StaticResolver) Resolve(endpointKey string) (string, map[string]string, bool) {
	spec := r[endpointKey]
	return spec.URL, spec.Headers, spec.BatchCapable
}

// Sender composes the breaker, rate limiter, and HTTP transport into the
// Send/SendBatch contract.
type Sender struct {
	cfg      config.Config
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	resolver EndpointResolver
	client   *http.Client
	clock    clock.Clock
	metrics  collab.MetricsSink
	log      log.Logger
}

// New constructs a Sender. httpClient, if nil, gets a client configured
// with reasonable idle-connection reuse, matching the teacher deliverer's
// transport tuning.
func New(cfg config.Config, b *breaker.Breaker, limiter *ratelimit.Limiter, resolver EndpointResolver, httpClient *http.Client, c clock.Clock, metrics collab.MetricsSink, logger log.Logger) *Sender {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if c == nil {
		c = clock.Real{}
	}
	if metrics == nil {
		metrics = collab.NopMetrics{}
	}
	if logger == nil {
		logger = log.Discard{}
	}
	return &Sender{cfg: cfg, breaker: b, limiter: limiter, resolver: resolver, client: httpClient, clock: c, metrics: metrics, log: logger}
}

// Send delivers a single item, retrying retryable failures up to
// MaxRetries with full-jitter backoff, and reporting the final outcome to
// the breaker.
func (s *Sender) Send(ctx context.Context, item *model.Item) model.DeliveryOutcome {
	parentSpan := tracing.StartSpan(tracing.SpanContext{})

	for attempt := 1; ; attempt++ {
		if !item.Deadline.IsZero() && s.clock.Now().After(item.Deadline) {
			return model.Failed(model.ErrDeadlineExceeded, attempt-1, 0)
		}

		permit, onResult := s.breaker.Allow(item.Endpoint)
		if !permit {
			return model.Failed(model.ErrBreakerOpen, attempt-1, 0)
		}

		s.metrics.Observe("rate_limit_wait_seconds", map[string]string{"endpoint": item.Endpoint}, s.limiter.Wait(item.Endpoint).Seconds())
		if err := s.limiter.Acquire(ctx, item.Endpoint); err != nil {
			// Cancellation here means shutdown, not an endpoint failure;
			// don't let it count against the breaker.
			onResult(true)
			return model.Failed(model.ErrShuttingDown, attempt-1, 0)
		}

		span := parentSpan
		if attempt > 1 {
			span = tracing.ChildOf(parentSpan.Context())
		}
		status, latency, kind := s.attempt(ctx, item, span)
		success := kind == model.ErrNone
		onResult(success)

		s.metrics.Observe("sends_total", map[string]string{"endpoint": item.Endpoint, "outcome": outcomeLabel(kind)}, 1)
		s.metrics.Observe("send_duration_seconds", map[string]string{"endpoint": item.Endpoint}, latency.Seconds())

		if success {
			return model.Succeeded(latency.Nanoseconds(), status, attempt)
		}

		if model.Terminal(kind) || attempt >= s.retryLimit() {
			return model.Failed(kind, attempt, status)
		}

		s.metrics.Observe("retries_total", map[string]string{"endpoint": item.Endpoint, "attempt": strconv.Itoa(attempt)}, 1)

		wait, err := s.backoff(attempt)
		if err != nil {
			return model.Failed(kind, attempt, status)
		}
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return model.Failed(model.ErrShuttingDown, attempt, status)
		}
	}
}

// BatchCapable reports whether endpoint accepts a batched request body, so
// callers can decide between Send and SendBatch without duplicating the
// resolver lookup.
func (s *Sender) BatchCapable(endpoint string) bool {
	_, _, batchCapable := s.resolver.Resolve(endpoint)
	return batchCapable
}

func (s *Sender) retryLimit() int {
	if s.cfg.MaxRetries <= 0 {
		return 1
	}
	return s.cfg.MaxRetries + 1
}

// attempt performs exactly one HTTP POST and classifies the outcome. kind
// is model.ErrNone on success.
func (s *Sender) attempt(ctx context.Context, item *model.Item, span tracing.Span) (status int, latency time.Duration, kind model.ErrorKind) {
	url, headers, _ := s.resolver.Resolve(item.Endpoint)

	attemptCtx, cancel := context.WithTimeout(ctx, s.perAttemptTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(item.Payload))
	if err != nil {
		return 0, 0, model.ErrNetwork
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tracing.HeaderName, span.TraceParentHeader())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := s.clock.Now()
	resp, err := s.client.Do(req)
	latency = s.clock.Now().Sub(start)
	if err != nil {
		if attemptCtx.Err() != nil {
			return 0, latency, model.ErrTimeout
		}
		return 0, latency, model.ErrNetwork
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	return resp.StatusCode, latency, classify(resp.StatusCode)
}

// classify maps an HTTP status to the error taxonomy, per the retry
// classification table.
func classify(status int) model.ErrorKind {
	switch {
	case status >= 200 && status < 300:
		return model.ErrNone
	case status == 408 || status == 425 || status == 429:
		return model.ErrRateLimitUpstream
	case status >= 500 && status <= 599:
		return model.ErrServer5xx
	case status >= 400 && status < 500:
		return model.ErrClient4xx
	default:
		return model.ErrServer5xx
	}
}

func (s *Sender) perAttemptTimeout() time.Duration {
	if s.cfg.PerAttemptTimeout <= 0 {
		return 10 * time.Second
	}
	return s.cfg.PerAttemptTimeout
}

// backoff computes base*2^(attempt-1) capped at RetryCap, times a uniform
// random factor in [0.5, 1.0) (full jitter).
func (s *Sender) backoff(attempt int) (time.Duration, error) {
	base := s.cfg.RetryBase
	if base <= 0 {
		base = time.Second
	}
	retryCap := s.cfg.RetryCap
	if retryCap <= 0 {
		retryCap = 30 * time.Second
	}

	raw := float64(base) * math.Pow(2, float64(attempt-1))
	if raw > float64(retryCap) {
		raw = float64(retryCap)
	}

	jitter, err := randFraction()
	if err != nil {
		return 0, err
	}
	factor := 0.5 + 0.5*jitter
	return time.Duration(raw * factor), nil
}

func randFraction() (float64, error) {
	const precision = 1 << 53
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0, err
	}
	return float64(n.Int64()) / float64(precision), nil
}

func outcomeLabel(kind model.ErrorKind) string {
	if kind == model.ErrNone {
		return "success"
	}
	return string(kind)
}

