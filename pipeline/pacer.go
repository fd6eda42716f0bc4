package pipeline

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// pacer spaces out job starts across all pipelines. The base delay is a
// randomized interval; consecutive failures anywhere in the job stream
// double it (global pacing, not per job) up to a fixed ceiling, and any
// success resets it.
type pacer struct {
	mu       sync.Mutex
	min      time.Duration
	max      time.Duration
	ceiling  time.Duration
	failures int
}

func newPacer(min, max, ceiling time.Duration) *pacer {
	if max < min {
		max = min
	}
	if ceiling < max {
		ceiling = max
	}
	return &pacer{min: min, max: max, ceiling: ceiling}
}

// Wait blocks for the current inter-job delay or until ctx is done.
func (p *pacer) Wait(ctx context.Context) error {
	d := p.delay()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pacer) delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.min
	if span := p.max - p.min; span > 0 {
		base += rand.N(span)
	}
	for i := 0; i < p.failures; i++ {
		base *= 2
		if base >= p.ceiling {
			return p.ceiling
		}
	}
	return base
}

// Success resets the failure backoff.
func (p *pacer) Success() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}

// Failure doubles the next delay.
func (p *pacer) Failure() {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()
}
