package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/relaycore/feedrelay/clock"
	"github.com/relaycore/feedrelay/model"
)

// Limiter enforces MinInterval between Acquire successes for a given
// endpoint key. The zero value is not usable; construct with New.
type Limiter struct {
	clock       clock.Clock
	minInterval time.Duration

	mu     sync.Mutex
	states map[string]*model.EndpointState
}

// New constructs a Limiter with the given minimum interval between sends
// to the same endpoint. states, if non-nil, is the shared endpoint-state
// map also used by the breaker and sender; if nil, the limiter owns a
// private map (useful in isolated tests).
func New(minInterval time.Duration, c clock.Clock, states map[string]*model.EndpointState) *Limiter {
	if c == nil {
		c = clock.Real{}
	}
	if minInterval <= 0 {
		minInterval = 200 * time.Millisecond
	}
	if states == nil {
		states = make(map[string]*model.EndpointState)
	}
	return &Limiter{clock: c, minInterval: minInterval, states: states}
}

func (l *Limiter) stateFor(key string) *model.EndpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[key]
	if !ok {
		st = &model.EndpointState{Key: key}
		l.states[key] = st
	}
	return st
}

// Acquire blocks until Now()-lastSend(endpointKey) >= minInterval, then
// atomically records the grant as the new lastSend. It respects ctx:
// cancellation returns ctx.Err() without mutating any state, since the
// mutation only happens on the success path immediately before return.
//
// Concurrent acquirers for the same endpoint are serialized: each grant is
// at least minInterval after the previous one. Waiters are not queued;
// each sleeps for the remaining interval and then re-checks under the
// endpoint's lock, so the order in which concurrent waiters are granted is
// not defined (it is not FIFO).
func (l *Limiter) Acquire(ctx context.Context, endpointKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st := l.stateFor(endpointKey)

	for {
		st.Mu.Lock()
		now := l.clock.Now()
		wait := l.minInterval - now.Sub(st.LastSend)
		if wait <= 0 {
			st.LastSend = now
			st.Mu.Unlock()
			return nil
		}
		st.Mu.Unlock()

		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Wait reports how long Acquire would currently block for endpointKey,
// without acquiring or mutating anything. It backs the
// rate_limit_wait_seconds gauge.
func (l *Limiter) Wait(endpointKey string) time.Duration {
	st := l.stateFor(endpointKey)
	st.Mu.Lock()
	defer st.Mu.Unlock()
	wait := l.minInterval - l.clock.Now().Sub(st.LastSend)
	if wait < 0 {
		wait = 0
	}
	return wait
}
