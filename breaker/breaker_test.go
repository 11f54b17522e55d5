package breaker

import (
	"testing"
	"time"

	"github.com/relaycore/feedrelay/clock"
	"github.com/relaycore/feedrelay/model"
)

func TestClosedAllowsAndResetsOnSuccess(t *testing.T) {
	b := New(Config{FailureThreshold: 3}, clock.Real{}, nil, nil)

	permit, onResult := b.Allow("e1")
	if !permit {
		t.Fatal("expected permit in closed state")
	}
	onResult(false)
	onResult2 := mustAllow(t, b, "e1")
	onResult2(false)
	// two failures, below threshold of 3: still closed
	if b.Phase("e1") != model.BreakerClosed {
		t.Fatalf("phase = %v, want closed", b.Phase("e1"))
	}

	onResult3 := mustAllow(t, b, "e1")
	onResult3(true) // success resets the counter
	if b.Phase("e1") != model.BreakerClosed {
		t.Fatal("success in closed state must keep it closed")
	}
}

func TestOpensAfterThresholdAndFailsFast(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Second}, clock.Real{}, nil, nil)

	for i := 0; i < 3; i++ {
		onResult := mustAllow(t, b, "e1")
		onResult(false)
	}
	if b.Phase("e1") != model.BreakerOpen {
		t.Fatalf("phase = %v, want open after threshold failures", b.Phase("e1"))
	}

	permit, _ := b.Allow("e1")
	if permit {
		t.Fatal("expected deny while open")
	}
}

func TestHalfOpenSingleProbeThenCloses(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 2, ResetTimeout: time.Second}, fc, nil, nil)

	for i := 0; i < 2; i++ {
		onResult := mustAllow(t, b, "e1")
		onResult(false)
	}
	if b.Phase("e1") != model.BreakerOpen {
		t.Fatal("expected open")
	}

	// not yet reset timeout
	if permit, _ := b.Allow("e1"); permit {
		t.Fatal("expected deny before reset timeout elapses")
	}

	fc.Advance(time.Second)

	permit, onResult := b.Allow("e1")
	if !permit {
		t.Fatal("expected a single half-open probe to be allowed")
	}
	if b.Phase("e1") != model.BreakerHalfOpen {
		t.Fatalf("phase = %v, want half_open", b.Phase("e1"))
	}

	// a second concurrent probe attempt must be denied
	if permit2, _ := b.Allow("e1"); permit2 {
		t.Fatal("expected second concurrent half-open probe to be denied")
	}

	onResult(true)
	if b.Phase("e1") != model.BreakerClosed {
		t.Fatalf("phase = %v, want closed after successful probe", b.Phase("e1"))
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Second}, fc, nil, nil)

	onResult := mustAllow(t, b, "e1")
	onResult(false)
	if b.Phase("e1") != model.BreakerOpen {
		t.Fatal("expected open")
	}

	fc.Advance(time.Second)
	probeResult := mustAllow(t, b, "e1")
	probeResult(false)

	if b.Phase("e1") != model.BreakerOpen {
		t.Fatalf("phase = %v, want open after failed probe", b.Phase("e1"))
	}
}

func TestAdversarialSequenceNeverSkipsHalfOpen(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 2, ResetTimeout: time.Millisecond}, fc, nil, nil)

	sequence := []bool{false, false, true, false, false, false, true, true}
	for _, success := range sequence {
		before := b.Phase("e1")
		permit, onResult := b.Allow("e1")
		if !permit {
			continue
		}
		wasHalfOpen := b.Phase("e1") == model.BreakerHalfOpen
		onResult(success)
		if before == model.BreakerOpen && !wasHalfOpen && b.Phase("e1") == model.BreakerClosed {
			t.Fatal("breaker went from open to closed without passing through half-open")
		}
		if wasHalfOpen && success {
			if b.Phase("e1") != model.BreakerClosed {
				t.Fatal("half-open success must close the breaker")
			}
		}
		fc.Advance(time.Millisecond)
	}
	// breaker must never be in an invalid state
	switch b.Phase("e1") {
	case model.BreakerClosed, model.BreakerOpen, model.BreakerHalfOpen:
	default:
		t.Fatal("breaker entered an undefined phase")
	}
}

func TestStatesReportsEveryKeySeen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Second}, clock.Real{}, nil, nil)

	mustAllow(t, b, "e1")(true)
	onResult := mustAllow(t, b, "e2")
	onResult(false) // trips e2 open

	states := b.States()
	if len(states) != 2 {
		t.Fatalf("expected 2 known endpoints, got %d: %+v", len(states), states)
	}
	if states["e1"] != model.BreakerClosed {
		t.Fatalf("e1 = %v, want closed", states["e1"])
	}
	if states["e2"] != model.BreakerOpen {
		t.Fatalf("e2 = %v, want open", states["e2"])
	}
}

func mustAllow(t *testing.T, b *Breaker, key string) func(bool) {
	t.Helper()
	permit, onResult := b.Allow(key)
	if !permit {
		t.Fatalf("expected permit for %s", key)
	}
	return onResult
}
