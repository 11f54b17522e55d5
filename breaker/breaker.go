// Package breaker implements the per-endpoint circuit breaker: closed
// (allow), open (deny, fail-fast), half-open (allow exactly one probe).
package breaker

import (
	"sync"
	"time"

	"github.com/relaycore/feedrelay/clock"
	"github.com/relaycore/feedrelay/collab"
	"github.com/relaycore/feedrelay/model"
)

// Config controls the breaker's thresholds, per spec.md §4.3.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// closed -> open. Default 5.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default 30s.
	ResetTimeout time.Duration
}

// Breaker tracks breaker state per endpoint key, sharing model.EndpointState
// with the rate limiter and sender.
type Breaker struct {
	cfg     Config
	clock   clock.Clock
	metrics collab.MetricsSink

	mu     sync.Mutex
	states map[string]*model.EndpointState
}

// New constructs a Breaker. states, if non-nil, is the shared
// endpoint-state map also used by the rate limiter and sender; if nil, the
// breaker owns a private map (useful in isolated tests).
func New(cfg Config, c clock.Clock, metrics collab.MetricsSink, states map[string]*model.EndpointState) *Breaker {
	if c == nil {
		c = clock.Real{}
	}
	if metrics == nil {
		metrics = collab.NopMetrics{}
	}
	if states == nil {
		states = make(map[string]*model.EndpointState)
	}
	return &Breaker{cfg: cfg, clock: c, metrics: metrics, states: states}
}

func (b *Breaker) stateFor(key string) *model.EndpointState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key]
	if !ok {
		st = &model.EndpointState{Key: key}
		b.states[key] = st
	}
	return st
}

// Allow decides whether a request to endpointKey may proceed. When permit
// is true, the caller must invoke the returned onResult exactly once with
// the outcome of the request; when false, the caller must invoke nothing
// (a deny is not itself an observed result).
func (b *Breaker) Allow(endpointKey string) (permit bool, onResult func(success bool)) {
	st := b.stateFor(endpointKey)

	st.Mu.Lock()
	now := b.clock.Now()
	st.LastUsed = now

	switch st.Phase {
	case model.BreakerClosed:
		st.Mu.Unlock()
		return true, func(success bool) { b.reportClosed(st, success) }

	case model.BreakerOpen:
		if now.Sub(st.OpenedAt) >= b.cfg.resetTimeout() {
			st.Phase = model.BreakerHalfOpen
			st.HalfOpenProbeInUse = true
			st.Mu.Unlock()
			b.emitTransition(endpointKey, model.BreakerHalfOpen)
			return true, func(success bool) { b.reportHalfOpen(st, endpointKey, success) }
		}
		st.Mu.Unlock()
		return false, nil

	case model.BreakerHalfOpen:
		if st.HalfOpenProbeInUse {
			st.Mu.Unlock()
			return false, nil
		}
		st.HalfOpenProbeInUse = true
		st.Mu.Unlock()
		return true, func(success bool) { b.reportHalfOpen(st, endpointKey, success) }

	default:
		st.Mu.Unlock()
		return true, func(success bool) { b.reportClosed(st, success) }
	}
}

func (b *Breaker) reportClosed(st *model.EndpointState, success bool) {
	st.Mu.Lock()

	// A concurrent probe or transition may have moved us out of closed
	// between Allow and this call; only closed-state bookkeeping applies
	// here, so re-check.
	if st.Phase != model.BreakerClosed {
		st.Mu.Unlock()
		return
	}

	if success {
		st.ConsecutiveFailures = 0
		st.Mu.Unlock()
		return
	}

	st.ConsecutiveFailures++
	tripped := st.ConsecutiveFailures >= b.cfg.failureThreshold()
	if tripped {
		st.Phase = model.BreakerOpen
		st.OpenedAt = b.clock.Now()
	}
	key := st.Key
	st.Mu.Unlock()

	if tripped {
		b.emitTransition(key, model.BreakerOpen)
	}
}

func (b *Breaker) reportHalfOpen(st *model.EndpointState, endpointKey string, success bool) {
	st.Mu.Lock()
	st.HalfOpenProbeInUse = false

	if success {
		st.Phase = model.BreakerClosed
		st.ConsecutiveFailures = 0
		st.Mu.Unlock()
		b.emitTransition(endpointKey, model.BreakerClosed)
		return
	}

	st.Phase = model.BreakerOpen
	st.OpenedAt = b.clock.Now()
	st.Mu.Unlock()
	b.emitTransition(endpointKey, model.BreakerOpen)
}

func (b *Breaker) emitTransition(endpointKey string, to model.BreakerPhase) {
	b.metrics.Observe("breaker_transitions_total", map[string]string{
		"endpoint": endpointKey,
		"to_state": to.String(),
	}, 1)
}

// Phase reports the current breaker phase for an endpoint, for Stats.
func (b *Breaker) Phase(endpointKey string) model.BreakerPhase {
	st := b.stateFor(endpointKey)
	st.Mu.Lock()
	defer st.Mu.Unlock()
	return st.Phase
}

// States returns the current breaker phase for every endpoint the breaker
// has ever seen, for Snapshot.BreakerState.
func (b *Breaker) States() map[string]model.BreakerPhase {
	b.mu.Lock()
	keys := make([]string, 0, len(b.states))
	for k := range b.states {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	out := make(map[string]model.BreakerPhase, len(keys))
	for _, k := range keys {
		out[k] = b.Phase(k)
	}
	return out
}

func (c Config) failureThreshold() int {
	if c.FailureThreshold <= 0 {
		return 5
	}
	return c.FailureThreshold
}

func (c Config) resetTimeout() time.Duration {
	if c.ResetTimeout <= 0 {
		return 30 * time.Second
	}
	return c.ResetTimeout
}
