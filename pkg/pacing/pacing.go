// Package pacing spaces consecutive requests of one account with a
// randomized, human-looking delay.
package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"kworkgate/pkg/clock"
	"kworkgate/pkg/config"
)

// Pacer decides how long to wait before the next request of an account.
// When less than MinDelay has passed since the previous request, the wait
// is uniform(MinDelay, MaxDelay) minus the time already elapsed.
type Pacer struct {
	minDelay time.Duration
	maxDelay time.Duration
	clock    clock.Clock

	mu     sync.Mutex
	random func() float64
}

// Option configures a Pacer
type Option func(*Pacer)

// WithClock sets the time source used for waiting
func WithClock(c clock.Clock) Option {
	return func(p *Pacer) { p.clock = clock.OrSystem(c) }
}

// WithRandom replaces the [0,1) source, mainly for deterministic tests
func WithRandom(fn func() float64) Option {
	return func(p *Pacer) { p.random = fn }
}

// New creates a Pacer from the pacing configuration
func New(cfg config.PacingConfig, opts ...Option) *Pacer {
	p := &Pacer{
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		clock:    clock.System{},
	}
	if p.maxDelay < p.minDelay {
		p.maxDelay = p.minDelay
	}
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	p.random = src.Float64
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay returns the wait required at now given the previous request at last.
// A zero last means the account has not made a request yet.
func (p *Pacer) Delay(last, now time.Time) time.Duration {
	if last.IsZero() || p.minDelay <= 0 {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= p.minDelay {
		return 0
	}

	target := p.minDelay
	if spread := p.maxDelay - p.minDelay; spread > 0 {
		p.mu.Lock()
		r := p.random()
		p.mu.Unlock()
		target += time.Duration(r * float64(spread))
	}

	if d := target - elapsed; d > 0 {
		return d
	}
	return 0
}

// Wait blocks for the delay owed after last and returns the time the caller
// may send at. It returns ctx.Err() if ctx ends first.
func (p *Pacer) Wait(ctx context.Context, last time.Time) (time.Time, error) {
	d := p.Delay(last, p.clock.Now())
	if d > 0 {
		if err := p.clock.Sleep(ctx, d); err != nil {
			return time.Time{}, err
		}
	}
	return p.clock.Now(), nil
}
