package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// RandomPacer sleeps for a uniformly random duration in [Min, Max].
type RandomPacer struct {
	min     time.Duration
	max     time.Duration
	mu      sync.Mutex
	rng     *rand.Rand
	sleep   func(ctx context.Context, d time.Duration) error
	observe func(d time.Duration)
}

// PacerOption customizes a RandomPacer.
type PacerOption func(*RandomPacer)

// WithSleeper replaces the timer-based sleep, mainly for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) PacerOption {
	return func(p *RandomPacer) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithSeed makes the delay sequence deterministic.
func WithSeed(seed uint64) PacerOption {
	return func(p *RandomPacer) {
		p.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithObserver receives every chosen delay before it is slept.
func WithObserver(fn func(d time.Duration)) PacerOption {
	return func(p *RandomPacer) {
		p.observe = fn
	}
}

// NewRandomPacer builds a pacer; a zero Max disables waiting.
func NewRandomPacer(minDelay, maxDelay time.Duration, opts ...PacerOption) (*RandomPacer, error) {
	if minDelay < 0 || maxDelay < 0 {
		return nil, fmt.Errorf("pacing bounds must be >= 0, got [%s, %s]", minDelay, maxDelay)
	}
	if maxDelay < minDelay {
		return nil, fmt.Errorf("pacing max %s below min %s", maxDelay, minDelay)
	}
	p := &RandomPacer{
		min:   minDelay,
		max:   maxDelay,
		rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Next picks the next delay without sleeping.
func (p *RandomPacer) Next() time.Duration {
	if p.max <= 0 {
		return 0
	}
	span := p.max - p.min
	if span <= 0 {
		return p.min
	}
	p.mu.Lock()
	n := p.rng.Int64N(int64(span) + 1)
	p.mu.Unlock()
	return p.min + time.Duration(n)
}

// Wait sleeps for the next delay or returns early with the context error.
func (p *RandomPacer) Wait(ctx context.Context) error {
	d := p.Next()
	if d <= 0 {
		return ctx.Err()
	}
	if p.observe != nil {
		p.observe(d)
	}
	return p.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pacing wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

type noPacer struct{}

func (noPacer) Wait(ctx context.Context) error { return ctx.Err() }

// cadence tracks whether a driver has already issued a remote request in the
// current run. The walker and filler of one driver share it, so the first
// request of every walk or fill is paced against the one before it.
type cadence struct {
	issued atomic.Bool
}

// next marks a request and reports whether another one preceded it.
func (c *cadence) next() bool { return c.issued.Swap(true) }

func (c *cadence) reset() { c.issued.Store(false) }

// pace waits on p unless this is the first request of the sequence. A nil
// cadence falls back to local, the caller's own notion of a preceding request.
func pace(ctx context.Context, p Pacer, c *cadence, local bool) error {
	following := local
	if c != nil {
		following = c.next()
	}
	if !following {
		return nil
	}
	return p.Wait(ctx)
}
