package dispatcher

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaycore/feedrelay/clock"
	"github.com/relaycore/feedrelay/collab"
	"github.com/relaycore/feedrelay/config"
	"github.com/relaycore/feedrelay/log"
	"github.com/relaycore/feedrelay/model"
	"github.com/relaycore/feedrelay/queue"
)

// Sender is the subset of the sender package the pool depends on, kept as
// an interface here so dispatcher never imports sender directly (sender
// imports breaker/ratelimit, not the other way around).
type Sender interface {
	Send(ctx context.Context, item *model.Item) model.DeliveryOutcome
	SendBatch(ctx context.Context, items []*model.Item) []model.DeliveryOutcome
	BatchCapable(endpoint string) bool
}

// CPUSampler reports a 0-100 instantaneous CPU utilization estimate for
// the adaptive controller. No third-party CPU-sampling library appears
// anywhere in the example pack, so this is a stdlib-only fallback
// (runtime.NumGoroutine scaled by GOMAXPROCS) rather than a real OS-level
// reading; a production deployment can supply its own CPUSampler.
type CPUSampler interface {
	Percent() float64
}

type runtimeCPUSampler struct{}

func (runtimeCPUSampler) Percent() float64 {
	procs := float64(runtime.GOMAXPROCS(0))
	goroutines := float64(runtime.NumGoroutine())
	pct := (goroutines / (procs * 4)) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// DrainReport summarizes a Shutdown: how many items were left queued when
// the pool finished (or was forced) to stop.
type DrainReport struct {
	RemainingQueued int
	ForcedByContext bool
}

// Pool runs N concurrent workers pulling batches from a queue.Queue,
// sending each item through a Sender, and recording outcomes to a
// collab.Store. A periodic controller retunes batch size and worker
// count from observed load, per the adaptive-tuning formulas.
type Pool struct {
	cfg     config.Config
	queue   *queue.Queue
	sender  Sender
	store   collab.Store
	metrics collab.MetricsSink
	log     log.Logger
	clock   clock.Clock
	cpu     CPUSampler

	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once

	mu            sync.Mutex
	workerCancels []context.CancelFunc
	wg            sync.WaitGroup

	batchSize int32 // atomic, current adaptive batch size

	tuneMu             sync.Mutex
	throughputEMAShort float64
	throughputEMALong  float64
	latencyEMASeconds  float64
	errorRateEMA       float64
}

// New constructs a Pool. It does not start any workers; call Start.
func New(cfg config.Config, q *queue.Queue, sender Sender, store collab.Store, metrics collab.MetricsSink, logger log.Logger, c clock.Clock) *Pool {
	if c == nil {
		c = clock.Real{}
	}
	if metrics == nil {
		metrics = collab.NopMetrics{}
	}
	if store == nil {
		store = collab.DiscardStore{}
	}
	if logger == nil {
		logger = log.Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg: cfg, queue: q, sender: sender, store: store, metrics: metrics,
		log: logger, clock: c, cpu: runtimeCPUSampler{},
		ctx: ctx, cancel: cancel,
	}
	atomic.StoreInt32(&p.batchSize, int32(cfg.MinBatch))
	return p
}

// Start spawns the initial workers and the tuning loop.
func (p *Pool) Start() {
	p.scaleWorkers(p.cfg.MinWorkers)
	go p.tuneLoop()
}

func (p *Pool) workerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workerCancels)
}

// WorkerCount reports the live worker count, for Snapshot.
func (p *Pool) WorkerCount() int { return p.workerCount() }

// BatchSize reports the current adaptive batch size, for Snapshot.
func (p *Pool) BatchSize() int { return int(atomic.LoadInt32(&p.batchSize)) }

// scaleWorkers adjusts the live worker count to target, spawning or
// cancelling workers as needed. Cancelled workers finish their current
// batch before exiting.
func (p *Pool) scaleWorkers(target int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.workerCancels) < target {
		wctx, wcancel := context.WithCancel(p.ctx)
		p.workerCancels = append(p.workerCancels, wcancel)
		p.wg.Add(1)
		go p.runWorker(wctx)
	}
	for len(p.workerCancels) > target {
		last := len(p.workerCancels) - 1
		p.workerCancels[last]()
		p.workerCancels = p.workerCancels[:last]
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		n := int(atomic.LoadInt32(&p.batchSize))
		batch, err := p.queue.DequeueBatch(ctx, n)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			continue
		}

		for _, item := range batch {
			p.metrics.Observe("enqueue_to_send_seconds", nil, p.clock.Now().Sub(item.EnqueuedAt).Seconds())
		}

		// Deliveries run under the pool context, not the worker's own, so a
		// worker cancelled by scaleWorkers still finishes the batch it holds.
		start := p.clock.Now()
		var errCount int
		for _, group := range groupByEndpoint(batch) {
			var outcomes []model.DeliveryOutcome
			if len(group) > 1 && p.sender.BatchCapable(group[0].Endpoint) {
				outcomes = p.sender.SendBatch(p.ctx, group)
				// A batched request gets a single attempt; items whose batch
				// outcome is a retryable failure are retried individually.
				for i, item := range group {
					if outcomes[i].Kind == model.OutcomeFailed && model.Retryable(outcomes[i].ErrorKind) {
						outcomes[i] = p.sender.Send(p.ctx, item)
					}
				}
			} else {
				outcomes = make([]model.DeliveryOutcome, len(group))
				for i, item := range group {
					outcomes[i] = p.sender.Send(p.ctx, item)
				}
			}
			for i, item := range group {
				p.recordOutcome(p.ctx, item, outcomes[i])
				if outcomes[i].Kind == model.OutcomeFailed || outcomes[i].Kind == model.OutcomeDropped {
					errCount++
				}
			}
		}
		elapsed := p.clock.Now().Sub(start)
		p.observeBatch(len(batch), errCount, elapsed)
		p.metrics.Observe("batch_size_observed", nil, float64(len(batch)))
	}
}

// groupByEndpoint partitions batch into per-endpoint runs, preserving each
// item's relative order within its group, so same-endpoint items that
// DequeueBatch returned non-contiguously (interleaved across lanes) can
// still be handed to SendBatch together.
func groupByEndpoint(batch []*model.Item) [][]*model.Item {
	order := make([]string, 0, len(batch))
	groups := make(map[string][]*model.Item, len(batch))
	for _, item := range batch {
		if _, seen := groups[item.Endpoint]; !seen {
			order = append(order, item.Endpoint)
		}
		groups[item.Endpoint] = append(groups[item.Endpoint], item)
	}
	out := make([][]*model.Item, len(order))
	for i, endpoint := range order {
		out[i] = groups[endpoint]
	}
	return out
}

// recordOutcome copies the delivery's final attempt count and error kind
// back onto item, releases its dedup entry now that delivery has
// terminally completed, and records the outcome to the store.
func (p *Pool) recordOutcome(ctx context.Context, item *model.Item, outcome model.DeliveryOutcome) {
	item.Attempt = outcome.Attempts
	item.LastError = outcome.ErrorKind

	p.queue.Release(item.Fingerprint)

	storeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()

	if err := p.store.Record(storeCtx, *item, outcome); err != nil {
		p.log.WithField("item_id", item.ID).WithError(err).
			Event(log.LevelWarn, "store record failed or timed out")
	}

	outcomeLabel := "succeeded"
	switch outcome.Kind {
	case model.OutcomeFailed:
		outcomeLabel = "failed"
	case model.OutcomeDropped:
		outcomeLabel = "dropped"
	}
	p.metrics.Observe("sends_total", map[string]string{"endpoint": item.Endpoint, "outcome": outcomeLabel}, 1)
}

// observeBatch folds one completed batch's throughput/latency/error-rate
// into the controller's exponential moving averages.
func (p *Pool) observeBatch(n, errCount int, elapsed time.Duration) {
	if n == 0 {
		return
	}
	p.tuneMu.Lock()
	defer p.tuneMu.Unlock()

	throughput := float64(n) / math.Max(elapsed.Seconds(), 0.001)
	perItemLatency := elapsed.Seconds() / float64(n)
	errorRate := float64(errCount) / float64(n)

	const shortAlpha, longAlpha = 0.3, 0.05
	if p.throughputEMAShort == 0 {
		p.throughputEMAShort = throughput
		p.throughputEMALong = throughput
		p.latencyEMASeconds = perItemLatency
		p.errorRateEMA = errorRate
		return
	}
	p.throughputEMAShort = shortAlpha*throughput + (1-shortAlpha)*p.throughputEMAShort
	p.throughputEMALong = longAlpha*throughput + (1-longAlpha)*p.throughputEMALong
	p.latencyEMASeconds = shortAlpha*perItemLatency + (1-shortAlpha)*p.latencyEMASeconds
	p.errorRateEMA = shortAlpha*errorRate + (1-shortAlpha)*p.errorRateEMA
}

func (p *Pool) tuneLoop() {
	ticker := p.clock.NewTicker(p.cfg.TuningTick)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C():
			p.tune()
		}
	}
}

// tune recomputes batch size and worker count from the observed-load
// moving averages, per the multiplicative-factor formulas.
func (p *Pool) tune() {
	p.tuneMu.Lock()
	throughputShort := p.throughputEMAShort
	throughputLong := p.throughputEMALong
	latency := p.latencyEMASeconds
	errorRate := p.errorRateEMA
	p.tuneMu.Unlock()

	observedCPU := p.cpu.Percent()
	if observedCPU <= 0 {
		observedCPU = p.cfg.TargetCPUPercent
	}

	cpuFactor := clamp(p.cfg.TargetCPUPercent/observedCPU, 0.5, 2.0)
	errorFactor := 1 / (1 + errorRate*10)
	trendFactor := 1.0
	if throughputLong > 0 {
		trendFactor = clamp(throughputShort/throughputLong, 0.7, 1.3)
	}

	currentBatch := float64(atomic.LoadInt32(&p.batchSize))
	newBatch := clampInt(int(math.Round(currentBatch*cpuFactor*errorFactor*trendFactor)), p.cfg.MinBatch, p.cfg.MaxBatch)
	atomic.StoreInt32(&p.batchSize, int32(newBatch))

	currentWorkers := p.workerCount()
	newWorkers := clampInt(int(math.Round(float64(currentWorkers)*cpuFactor)), p.cfg.MinWorkers, p.cfg.MaxWorkers)

	if minForSLA := p.minWorkersForDrainSLA(latency); minForSLA > newWorkers {
		newWorkers = clampInt(minForSLA, p.cfg.MinWorkers, p.cfg.MaxWorkers)
	}

	if newWorkers != currentWorkers {
		p.scaleWorkers(newWorkers)
	}

	p.metrics.Observe("current_batch_size", nil, float64(newBatch))
	p.metrics.Observe("active_workers", nil, float64(newWorkers))
}

// minWorkersForDrainSLA estimates the worker count needed to drain the
// current queue depth within DrainSLA, given the observed per-item
// latency, so the controller never tunes workers below that floor.
func (p *Pool) minWorkersForDrainSLA(latencyPerItemSeconds float64) int {
	if latencyPerItemSeconds <= 0 {
		return 0
	}
	depth := p.queue.Size()
	if depth == 0 {
		return 0
	}
	slaSeconds := p.cfg.DrainSLA.Seconds()
	if slaSeconds <= 0 {
		return 0
	}
	required := (float64(depth) * latencyPerItemSeconds) / slaSeconds
	return int(math.Ceil(required))
}

// Shutdown closes the queue so no further items are admitted, waits for
// workers to drain it, and force-cancels outstanding work once ctx is
// done. It returns a summary of whatever remained queued.
func (p *Pool) Shutdown(ctx context.Context) DrainReport {
	p.queue.Close()

	allDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(allDone)
	}()

	forced := false
	select {
	case <-allDone:
	case <-ctx.Done():
		forced = true
		p.cancelOnce.Do(p.cancel)
		<-allDone
	}

	p.cancelOnce.Do(p.cancel)
	return DrainReport{RemainingQueued: p.queue.Size(), ForcedByContext: forced}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
