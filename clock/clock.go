// Package clock provides the monotonic time source every other package in
// this module uses instead of calling time.Now or time.Sleep directly, so
// that tests can supply a fake clock that advances on an explicit tick.
package clock

import (
	"context"
	"time"
)

// Clock is the sole time abstraction used across the delivery core.
// Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time

	// Sleep blocks until d has elapsed or ctx is done, whichever comes
	// first. It returns ctx.Err() on cancellation, nil otherwise.
	Sleep(ctx context.Context, d time.Duration) error

	// NewTicker returns a ticker that fires on this clock's notion of time.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker this module depends on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock, backed directly by the time package.
type Real struct{}

var _ Clock = Real{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
