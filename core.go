// Package feedrelay wires the rate limiter, circuit breaker, priority
// queue, webhook sender, and adaptive worker pool into a single facade:
// Enqueue admits items, the pool drains and delivers them in the
// background, Stats reports a point-in-time snapshot, and Shutdown drains
// gracefully up to a deadline.
//
// The facade's lifecycle follows microbatch.Batcher: the constructor
// starts background goroutines (here, via Start), Shutdown(ctx) races a
// graceful drain against ctx's deadline, and a sync.Once guards the
// underlying cancellation so it only ever fires once.
package feedrelay

import (
	"context"
	"net/http"

	"github.com/relaycore/feedrelay/breaker"
	"github.com/relaycore/feedrelay/clock"
	"github.com/relaycore/feedrelay/collab"
	"github.com/relaycore/feedrelay/config"
	"github.com/relaycore/feedrelay/dispatcher"
	"github.com/relaycore/feedrelay/log"
	"github.com/relaycore/feedrelay/model"
	"github.com/relaycore/feedrelay/queue"
	"github.com/relaycore/feedrelay/ratelimit"
	"github.com/relaycore/feedrelay/sender"
)

// Core is the assembled delivery pipeline.
type Core struct {
	cfg     config.Config
	queue   *queue.Queue
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	sender  *sender.Sender
	pool    *dispatcher.Pool
	metrics collab.MetricsSink
	log     log.Logger
}

// New validates cfg and wires every component together. resolver supplies
// endpoint URLs/headers/batch-capability; store records delivery outcomes
// (collab.DiscardStore if nil); metrics and logger default to no-ops;
// httpClient, if nil, gets the sender's default transport; c, if nil, is
// clock.Real.
func New(cfg config.Config, resolver sender.EndpointResolver, store collab.Store, metrics collab.MetricsSink, logger log.Logger, httpClient *http.Client, c clock.Clock) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
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

	states := make(map[string]*model.EndpointState)

	q := queue.New(queue.Config{
		MaxSize:          cfg.QueueMaxSize,
		Overflow:         queue.OverflowPolicy(cfg.OverflowPolicy),
		AgeBoostInterval: cfg.AgeBoostInterval,
	}, c, metrics)

	b := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, c, metrics, states)

	l := ratelimit.New(cfg.MinSendInterval, c, states)

	snd := sender.New(cfg, b, l, resolver, httpClient, c, metrics, logger)

	pool := dispatcher.New(cfg, q, snd, store, metrics, logger, c)

	return &Core{
		cfg: cfg, queue: q, breaker: b, limiter: l, sender: snd, pool: pool,
		metrics: metrics, log: logger,
	}, nil
}

// Start begins background dispatch. Enqueue is safe to call before Start;
// items simply wait in the queue.
func (c *Core) Start() { c.pool.Start() }

// Enqueue validates and admits item, applying dedup and overflow policy.
func (c *Core) Enqueue(item *model.Item) model.AdmissionResult {
	if err := item.Validate(c.cfg.MaxPayloadBytes); err != nil {
		c.metrics.Observe("items_rejected_total", map[string]string{"reason": string(model.ReasonValidationError)}, 1)
		return model.Rejected(model.ReasonValidationError, err)
	}
	return c.queue.Enqueue(item)
}

// Stats returns a point-in-time snapshot of queue, worker, and breaker
// state, and can be called at any time, including during shutdown. It
// fills the queue sizes, worker count, batch size, and breaker phases;
// the counter maps (ItemsAdmitted, ItemsRejected, Overflow, SendsTotal,
// RetriesTotal) are left nil, since counters are only reported to the
// MetricsSink.
func (c *Core) Stats() model.Snapshot {
	byLane := c.queue.SizeByLane()
	queueByLane := make(map[string]int, len(byLane))
	for lane, n := range byLane {
		queueByLane[lane.String()] = n
	}

	return model.Snapshot{
		QueueSizeByLane: queueByLane,
		QueueSize:       c.queue.Size(),
		ActiveWorkers:   c.pool.WorkerCount(),
		CurrentBatch:    c.pool.BatchSize(),
		BreakerState:    c.breaker.States(),
	}
}

// Shutdown closes the queue, waits for in-flight deliveries to drain up
// to ctx's deadline, then force-cancels anything still running.
func (c *Core) Shutdown(ctx context.Context) dispatcher.DrainReport {
	return c.pool.Shutdown(ctx)
}
