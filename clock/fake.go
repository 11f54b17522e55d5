package clock

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests. The zero value
// is not usable; construct with NewFake.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters waiterHeap
	nextID  uint64
}

// NewFake returns a Fake clock whose Now() starts at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

var _ Clock = (*Fake)(nil)

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, waking any Sleep/Ticker waiters
// whose deadline has now passed, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var fire []*fakeWaiter
	for f.waiters.Len() > 0 && !f.waiters[0].deadline.After(now) {
		w := heap.Pop(&f.waiters).(*fakeWaiter)
		fire = append(fire, w)
	}
	f.mu.Unlock()

	for _, w := range fire {
		w.fire(now)
	}
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	f.mu.Lock()
	ch := make(chan time.Time, 1)
	w := &fakeWaiter{deadline: f.now.Add(d), ch: ch}
	heap.Push(&f.waiters, w)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		f.remove(w)
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (f *Fake) remove(target *fakeWaiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w == target {
			heap.Remove(&f.waiters, i)
			return
		}
	}
}

// NewTicker returns a Ticker driven by this Fake clock's Advance calls.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{clock: f, period: d, ch: make(chan time.Time, 1)}
	f.mu.Lock()
	t.waiter = &fakeWaiter{deadline: f.now.Add(d), recurring: t}
	heap.Push(&f.waiters, t.waiter)
	f.mu.Unlock()
	return t
}

type fakeWaiter struct {
	deadline  time.Time
	ch        chan<- time.Time
	recurring *fakeTicker
	index     int
}

func (w *fakeWaiter) fire(now time.Time) {
	if w.recurring != nil {
		w.recurring.tick(now)
		return
	}
	select {
	case w.ch <- now:
	default:
	}
}

type fakeTicker struct {
	clock  *Fake
	period time.Duration
	ch     chan time.Time
	waiter *fakeWaiter
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	w := t.waiter
	t.clock.mu.Unlock()
	t.clock.remove(w)
}

func (t *fakeTicker) tick(now time.Time) {
	t.clock.mu.Lock()
	stopped := t.stopped
	if !stopped {
		t.waiter = &fakeWaiter{deadline: now.Add(t.period), recurring: t}
		heap.Push(&t.clock.waiters, t.waiter)
	}
	t.clock.mu.Unlock()

	if stopped {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
}

// waiterHeap is a min-heap of fakeWaiter ordered by deadline.
type waiterHeap []*fakeWaiter

func (h waiterHeap) Len() int            { return len(h) }
func (h waiterHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*fakeWaiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}
