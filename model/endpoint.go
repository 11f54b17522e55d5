package model

import (
	"sync"
	"time"
)

// BreakerPhase is the circuit breaker's current state for an endpoint.
type BreakerPhase int

const (
	BreakerClosed BreakerPhase = iota
	BreakerOpen
	BreakerHalfOpen
)

func (p BreakerPhase) String() string {
	switch p {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// EndpointState is shared by the rate limiter, breaker, and sender for one
// endpoint key. Only the sender mutates it, guarded by Mu, acquired in a
// fixed order: this lock, then nothing else (no nested locks are taken
// while it is held).
type EndpointState struct {
	Mu sync.Mutex

	Key string

	LastSend time.Time

	Phase               BreakerPhase
	ConsecutiveFailures int
	OpenedAt            time.Time
	HalfOpenProbeInUse  bool

	LastUsed time.Time
}

// Snapshot is a point-in-time view over queue, sender, and breaker state,
// returned on demand by Stats. Stats does not fill the counter maps
// (ItemsAdmitted through RetriesTotal); they are nil in its result.
type Snapshot struct {
	QueueSizeByLane map[string]int
	QueueSize       int

	ActiveWorkers   int
	CurrentBatch    int

	ItemsAdmitted map[string]int64 // by priority
	ItemsRejected map[string]int64 // by reason
	Overflow      map[string]int64 // by lane

	SendsTotal   map[string]int64 // "endpoint|outcome"
	RetriesTotal map[string]int64 // "endpoint|attempt"

	BreakerState map[string]BreakerPhase // by endpoint
}
