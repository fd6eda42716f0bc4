package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestPacer_DeterministicDelay(t *testing.T) {
	// min == max removes the jitter so the delay is exact.
	p := newPacer(10*time.Millisecond, 10*time.Millisecond, 80*time.Millisecond)
	if d := p.delay(); d != 10*time.Millisecond {
		t.Errorf("delay = %v, want 10ms", d)
	}
}

func TestPacer_FailureDoublesUpToCeiling(t *testing.T) {
	p := newPacer(10*time.Millisecond, 10*time.Millisecond, 40*time.Millisecond)

	p.Failure()
	if d := p.delay(); d != 20*time.Millisecond {
		t.Errorf("after 1 failure delay = %v, want 20ms", d)
	}
	p.Failure()
	if d := p.delay(); d != 40*time.Millisecond {
		t.Errorf("after 2 failures delay = %v, want 40ms", d)
	}
	p.Failure()
	if d := p.delay(); d != 40*time.Millisecond {
		t.Errorf("backoff must cap at the ceiling, got %v", d)
	}

	p.Success()
	if d := p.delay(); d != 10*time.Millisecond {
		t.Errorf("success must reset backoff, got %v", d)
	}
}

func TestPacer_JitterWithinBounds(t *testing.T) {
	p := newPacer(10*time.Millisecond, 20*time.Millisecond, time.Second)
	for i := 0; i < 50; i++ {
		d := p.delay()
		if d < 10*time.Millisecond || d > 20*time.Millisecond {
			t.Fatalf("delay %v outside [10ms, 20ms]", d)
		}
	}
}

func TestPacer_WaitHonorsContext(t *testing.T) {
	p := newPacer(time.Minute, time.Minute, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait on canceled ctx = %v, want context.Canceled", err)
	}
}

func TestPacer_ZeroDelayDoesNotBlock(t *testing.T) {
	p := newPacer(0, 0, 0)
	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("zero-delay pacer should return immediately")
	}
}
