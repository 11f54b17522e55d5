package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaycore/feedrelay/breaker"
	"github.com/relaycore/feedrelay/clock"
	"github.com/relaycore/feedrelay/config"
	"github.com/relaycore/feedrelay/model"
	"github.com/relaycore/feedrelay/ratelimit"
)

func newTestSender(t *testing.T, url string, cfg config.Config, c clock.Clock) *Sender {
	t.Helper()
	states := make(map[string]*model.EndpointState)
	b := breaker.New(breaker.Config{FailureThreshold: cfg.BreakerFailureThreshold, ResetTimeout: cfg.BreakerResetTimeout}, c, nil, states)
	l := ratelimit.New(cfg.MinSendInterval, c, states)
	return New(cfg, b, l, StaticResolver{"e1": {URL: url, BatchCapable: true}}, http.DefaultClient, c, nil, nil)
}

func testSenderConfig() config.Config {
	cfg := config.Default()
	cfg.MaxRetries = 2
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = 5 * time.Millisecond
	cfg.PerAttemptTimeout = time.Second
	cfg.MinSendInterval = time.Millisecond
	return cfg
}

func TestSendSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("traceparent") == "" {
			t.Error("expected traceparent header on outbound request")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(t, srv.URL, testSenderConfig(), clock.Real{})
	outcome := s.Send(context.Background(), &model.Item{ID: "a", Fingerprint: "a", Endpoint: "e1", Kind: model.ContentArticle})
	if outcome.Kind != model.OutcomeSucceeded {
		t.Fatalf("expected success, got %+v", outcome)
	}
}

func TestSendRetriesRetryableThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(t, srv.URL, testSenderConfig(), clock.Real{})
	outcome := s.Send(context.Background(), &model.Item{ID: "a", Fingerprint: "a", Endpoint: "e1", Kind: model.ContentArticle})
	if outcome.Kind != model.OutcomeSucceeded {
		t.Fatalf("expected eventual success, got %+v", outcome)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts (2 failures + success), got %d", calls)
	}
}

func TestSendStopsOnTerminalError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newTestSender(t, srv.URL, testSenderConfig(), clock.Real{})
	outcome := s.Send(context.Background(), &model.Item{ID: "a", Fingerprint: "a", Endpoint: "e1", Kind: model.ContentArticle})
	if outcome.Kind != model.OutcomeFailed || outcome.ErrorKind != model.ErrClient4xx {
		t.Fatalf("expected terminal client_4xx failure, got %+v", outcome)
	}
	if calls != 1 {
		t.Fatalf("terminal error must not retry, got %d calls", calls)
	}
}

func TestSendExhaustsRetriesAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testSenderConfig()
	s := newTestSender(t, srv.URL, cfg, clock.Real{})
	outcome := s.Send(context.Background(), &model.Item{ID: "a", Fingerprint: "a", Endpoint: "e1", Kind: model.ContentArticle})
	if outcome.Kind != model.OutcomeFailed || outcome.Attempts != cfg.MaxRetries+1 {
		t.Fatalf("expected failure after %d attempts, got %+v", cfg.MaxRetries+1, outcome)
	}
}

func TestSendBatchFallsBackToIndividualWhenNotBatchCapable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testSenderConfig()
	states := make(map[string]*model.EndpointState)
	b := breaker.New(breaker.Config{}, clock.Real{}, nil, states)
	l := ratelimit.New(cfg.MinSendInterval, clock.Real{}, states)
	s := New(cfg, b, l, StaticResolver{"e1": {URL: srv.URL, BatchCapable: false}}, http.DefaultClient, clock.Real{}, nil, nil)

	items := []*model.Item{
		{ID: "a", Fingerprint: "a", Endpoint: "e1", Kind: model.ContentArticle},
		{ID: "b", Fingerprint: "b", Endpoint: "e1", Kind: model.ContentArticle},
	}
	outcomes := s.SendBatch(context.Background(), items)
	if len(outcomes) != 2 || outcomes[0].Kind != model.OutcomeSucceeded || outcomes[1].Kind != model.OutcomeSucceeded {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if calls != 2 {
		t.Fatalf("expected one call per item, got %d", calls)
	}
}

func TestSendBatchSurfacesPositionalFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(batchResponse{FailedIndices: []int{1}})
	}))
	defer srv.Close()

	cfg := testSenderConfig()
	s := newTestSender(t, srv.URL, cfg, clock.Real{})

	items := []*model.Item{
		{ID: "a", Fingerprint: "a", Endpoint: "e1", Kind: model.ContentArticle},
		{ID: "b", Fingerprint: "b", Endpoint: "e1", Kind: model.ContentArticle},
	}
	outcomes := s.SendBatch(context.Background(), items)
	if outcomes[0].Kind != model.OutcomeSucceeded {
		t.Fatalf("expected item 0 to succeed, got %+v", outcomes[0])
	}
	if outcomes[1].Kind != model.OutcomeFailed {
		t.Fatalf("expected item 1 to fail per positional index, got %+v", outcomes[1])
	}
}

func TestSendBatchWithNoPositionalIndicesTreatsWholeBatchAsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testSenderConfig()
	s := newTestSender(t, srv.URL, cfg, clock.Real{})

	items := []*model.Item{
		{ID: "a", Fingerprint: "a", Endpoint: "e1", Kind: model.ContentArticle},
		{ID: "b", Fingerprint: "b", Endpoint: "e1", Kind: model.ContentArticle},
	}
	outcomes := s.SendBatch(context.Background(), items)
	for i, o := range outcomes {
		if o.Kind != model.OutcomeFailed {
			t.Fatalf("item %d: expected failed outcome for whole-batch failure, got %+v", i, o)
		}
	}
}

func TestSendReportsBreakerOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testSenderConfig()
	cfg.BreakerFailureThreshold = 1
	cfg.MaxRetries = 0
	s := newTestSender(t, srv.URL, cfg, clock.Real{})

	first := s.Send(context.Background(), &model.Item{ID: "a", Fingerprint: "a", Endpoint: "e1", Kind: model.ContentArticle})
	if first.Kind != model.OutcomeFailed {
		t.Fatalf("expected first send to fail, got %+v", first)
	}

	second := s.Send(context.Background(), &model.Item{ID: "b", Fingerprint: "b", Endpoint: "e1", Kind: model.ContentArticle})
	if second.ErrorKind != model.ErrBreakerOpen {
		t.Fatalf("expected breaker_open after threshold failures, got %+v", second)
	}
}
