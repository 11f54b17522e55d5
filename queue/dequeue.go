// Package queue implements the bounded multi-lane priority queue: three
// strict-priority FIFO lanes sharing one mutex and a fingerprint-keyed
// dedup index, with blocking batch dequeue and an overflow policy.
//
// DequeueBatch's min-one/drain-up-to-max shape, and the notify-channel
// select loop that backs it, are adapted from longpoll.Channel's
// min-size/max-size batching over a Go channel — rebuilt here over the
// queue's own lanes instead of a channel, since items must be dequeued in
// strict priority order rather than arrival order.
//
// A fingerprint's dedup entry covers the item both while it is queued and
// while it is in flight with the dispatcher: DequeueBatch hands an item to
// a caller without clearing its entry, and the caller must call Release
// once the item's delivery terminally completes. Only displaceLocked,
// which evicts an item from the queue outright rather than dispatching
// it, clears an entry on its own.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relaycore/feedrelay/clock"
	"github.com/relaycore/feedrelay/collab"
	"github.com/relaycore/feedrelay/model"
)

// ErrClosed is returned by DequeueBatch once the queue has been closed and
// fully drained.
var ErrClosed = errors.New("queue: closed")

// Config controls queue bounds and policy.
type Config struct {
	MaxSize          int
	Overflow         OverflowPolicy
	AgeBoostInterval time.Duration // 0 disables aging
}

// OverflowPolicy selects what Enqueue does when the queue is at MaxSize.
type OverflowPolicy string

const (
	OverflowDisplace OverflowPolicy = "displace"
	OverflowReject   OverflowPolicy = "reject"
)

// Queue is the bounded multi-lane priority queue described in the delivery
// core's component design: one mutex, one fingerprint dedup index, three
// priority lanes.
type Queue struct {
	cfg     Config
	clock   clock.Clock
	metrics collab.MetricsSink

	mu     sync.Mutex
	lanes  [3]*ringBuffer[*model.Item]
	dedup  map[string]model.Priority
	size   int
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// New constructs a Queue. metrics, if nil, observes nothing.
func New(cfg Config, c clock.Clock, metrics collab.MetricsSink) *Queue {
	if c == nil {
		c = clock.Real{}
	}
	if metrics == nil {
		metrics = collab.NopMetrics{}
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDisplace
	}
	q := &Queue{
		cfg:     cfg,
		clock:   c,
		metrics: metrics,
		dedup:   make(map[string]model.Priority),
		notify:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := range q.lanes {
		q.lanes[i] = newRingBuffer[*model.Item](16)
	}
	if cfg.AgeBoostInterval > 0 {
		go q.ageWorker()
	}
	return q
}

// Enqueue admits item, or refuses it per the dedup/overflow/shutdown
// rules. The dedup check and the admission decision happen under the same
// lock, so a fingerprint can never be admitted twice concurrently.
func (q *Queue) Enqueue(item *model.Item) model.AdmissionResult {
	start := q.clock.Now()

	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		q.metrics.Observe("items_rejected_total", map[string]string{"reason": string(model.ReasonShuttingDown)}, 1)
		return model.Rejected(model.ReasonShuttingDown, nil)
	}

	if _, dup := q.dedup[item.Fingerprint]; dup {
		q.mu.Unlock()
		q.metrics.Observe("items_rejected_total", map[string]string{"reason": string(model.ReasonDuplicate)}, 1)
		return model.Rejected(model.ReasonDuplicate, nil)
	}

	if q.size >= q.cfg.MaxSize {
		if q.cfg.Overflow != OverflowDisplace || !q.displaceLocked(item.Priority) {
			q.mu.Unlock()
			q.metrics.Observe("items_rejected_total", map[string]string{"reason": string(model.ReasonQueueFull)}, 1)
			return model.Rejected(model.ReasonQueueFull, nil)
		}
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = start
	}
	q.lanes[item.Priority].PushBack(item)
	q.dedup[item.Fingerprint] = item.Priority
	q.size++
	q.broadcastLocked()
	q.mu.Unlock()

	q.metrics.Observe("items_admitted_total", map[string]string{"priority": item.Priority.String()}, 1)
	q.reportQueueSize()
	return model.Admitted()
}

// reportQueueSize reports each lane's current depth to the metrics sink.
// Called after any admission or drain so queue_size stays current.
func (q *Queue) reportQueueSize() {
	for lane, n := range q.SizeByLane() {
		q.metrics.Observe("queue_size", map[string]string{"lane": lane.String()}, float64(n))
	}
}

// displaceLocked evicts the oldest item from the lowest non-empty lane
// strictly below incoming, reporting whether a victim was found. Callers
// must hold q.mu.
func (q *Queue) displaceLocked(incoming model.Priority) bool {
	for lane := model.PriorityLow; lane < incoming; lane++ {
		victim, ok := q.lanes[lane].PopFront()
		if !ok {
			continue
		}
		delete(q.dedup, victim.Fingerprint)
		q.size--
		q.metrics.Observe("overflow_total", map[string]string{"lane": lane.String()}, 1)
		return true
	}
	return false
}

// DequeueBatch blocks until at least one item is available, the queue is
// closed and empty (ErrClosed), or ctx is done, then drains up to maxN
// items in strict priority order: all of the high lane first, then
// normal, then low, FIFO within each lane.
func (q *Queue) DequeueBatch(ctx context.Context, maxN int) ([]*model.Item, error) {
	if maxN <= 0 {
		maxN = 1
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		q.mu.Lock()
		if q.size > 0 {
			batch := q.drainLocked(maxN)
			q.mu.Unlock()
			q.reportQueueSize()
			return batch, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		waitCh := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCh:
		}
	}
}

// drainLocked pops up to maxN items across lanes, high to low. Callers
// must hold q.mu. The popped items' dedup entries are left in place: they
// are now in flight with the caller, not gone, and only Release clears
// them.
func (q *Queue) drainLocked(maxN int) []*model.Item {
	batch := make([]*model.Item, 0, maxN)
	for lane := model.PriorityHigh; len(batch) < maxN; lane-- {
		for len(batch) < maxN {
			item, ok := q.lanes[lane].PopFront()
			if !ok {
				break
			}
			q.size--
			batch = append(batch, item)
		}
		if lane == model.PriorityLow {
			break
		}
	}
	return batch
}

// Release clears fingerprint's dedup entry once the in-flight item it
// named has terminally completed delivery (succeeded, failed out of
// retries, or been dropped). Until Release is called, a fresh Enqueue for
// the same fingerprint is rejected as a duplicate, whether the item is
// still queued or already in flight with the dispatcher.
func (q *Queue) Release(fingerprint string) {
	q.mu.Lock()
	delete(q.dedup, fingerprint)
	q.mu.Unlock()
}

// Size returns the total number of queued items across all lanes.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// SizeByLane returns the per-priority queued counts.
func (q *Queue) SizeByLane() map[model.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[model.Priority]int, len(q.lanes))
	for lane, rb := range q.lanes {
		out[model.Priority(lane)] = rb.Len()
	}
	return out
}

// Close wakes all waiters. Subsequent Enqueue calls are rejected with
// ReasonShuttingDown; DequeueBatch continues to drain remaining items,
// then returns ErrClosed once empty.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.broadcastLocked()
	q.mu.Unlock()
	close(q.done)
}

// broadcastLocked wakes every goroutine currently blocked in DequeueBatch.
// Callers must hold q.mu.
func (q *Queue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// ageWorker promotes items that have waited longer than AgeBoostInterval
// one lane, when aging is enabled. Disabled (AgeBoostInterval == 0) by
// default, per the starvation policy's default-off aging.
func (q *Queue) ageWorker() {
	ticker := q.clock.NewTicker(q.cfg.AgeBoostInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C():
			q.ageTick()
		}
	}
}

func (q *Queue) ageTick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	// Walk normal before low so an item promoted out of low in this tick is
	// not examined again and promoted a second lane.
	for lane := model.PriorityNormal; lane >= model.PriorityLow; lane-- {
		for {
			item, ok := q.lanes[lane].PeekFront()
			if !ok || now.Sub(item.EnqueuedAt) < q.cfg.AgeBoostInterval {
				break
			}
			q.lanes[lane].PopFront()
			q.lanes[lane+1].PushBack(item)
		}
	}
}
