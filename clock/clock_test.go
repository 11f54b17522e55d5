package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeSleepAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() {
		done <- c.Sleep(context.Background(), 5*time.Second)
	}()

	// not yet elapsed
	select {
	case <-done:
		t.Fatal(`Sleep returned before Advance`)
	case <-time.After(20 * time.Millisecond):
	}

	c.Advance(5 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf(`Sleep() error = %v`, err)
		}
	case <-time.After(time.Second):
		t.Fatal(`Sleep did not return after Advance`)
	}
}

func TestFakeSleepCancel(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Sleep(ctx, time.Minute)
	}()
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf(`Sleep() error = %v, want context.Canceled`, err)
	}
}

func TestFakeTicker(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		c.Advance(time.Second)
		select {
		case <-ticker.C():
		case <-time.After(time.Second):
			t.Fatalf(`tick %d did not fire`, i)
		}
	}
}

func TestFakeNow(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewFake(start)
	if !c.Now().Equal(start) {
		t.Fatalf(`Now() = %v, want %v`, c.Now(), start)
	}
	c.Advance(time.Hour)
	if want := start.Add(time.Hour); !c.Now().Equal(want) {
		t.Fatalf(`Now() = %v, want %v`, c.Now(), want)
	}
}
