package ratelimit

import (
	"sync"
	"time"

	"kworkgate/pkg/clock"
)

// Window is a sliding-window limiter keyed by identifier
type Window struct {
	maxRequests int
	window      time.Duration
	idleTTL     time.Duration
	clock       clock.Clock

	mu      sync.Mutex // guards buckets, not their contents
	buckets map[string]*bucket
}

type bucket struct {
	mu       sync.Mutex
	events   []time.Time // oldest first
	lastSeen time.Time
	dead     bool // set by Cleanup once removed from the map
}

// WindowOption configures a Window
type WindowOption func(*Window)

// WithClock sets the time source
func WithClock(c clock.Clock) WindowOption {
	return func(w *Window) { w.clock = clock.OrSystem(c) }
}

// WithIdleTTL sets how long an untouched, empty bucket is kept
func WithIdleTTL(d time.Duration) WindowOption {
	return func(w *Window) { w.idleTTL = d }
}

// NewWindow creates a limiter admitting maxRequests per window for each identifier.
// Callers validate the limits; see config.ValidateTiers.
func NewWindow(maxRequests int, window time.Duration, opts ...WindowOption) *Window {
	w := &Window{
		maxRequests: maxRequests,
		window:      window,
		idleTTL:     time.Hour,
		clock:       clock.System{},
		buckets:     make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Window) MaxRequests() int        { return w.maxRequests }
func (w *Window) Duration() time.Duration { return w.window }

// acquire returns the locked bucket for id, creating it when needed.
func (w *Window) acquire(id string) *bucket {
	for {
		w.mu.Lock()
		b, ok := w.buckets[id]
		if !ok {
			b = &bucket{events: make([]time.Time, 0, w.maxRequests)}
			w.buckets[id] = b
		}
		w.mu.Unlock()

		b.mu.Lock()
		if !b.dead {
			return b
		}
		// lost a race with Cleanup
		b.mu.Unlock()
	}
}

// evict drops events at or before now-window. Caller holds b.mu.
func (w *Window) evict(b *bucket, now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(b.events) && !b.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(b.events, b.events[i:])
		b.events = b.events[:n]
	}
}

// retryAfter is the time until the oldest event leaves the window. Caller holds b.mu.
func (w *Window) retryAfter(b *bucket, now time.Time) time.Duration {
	if len(b.events) < w.maxRequests || len(b.events) == 0 {
		return 0
	}
	d := b.events[0].Add(w.window).Sub(now)
	if d <= 0 {
		// clock went backwards past the event; smallest positive wait
		return time.Nanosecond
	}
	return d
}

// Take admits one event for id if the window has room. When denied it
// reports how long until a slot frees up.
func (w *Window) Take(id string) (bool, time.Duration) {
	b := w.acquire(id)
	defer b.mu.Unlock()

	now := w.clock.Now()
	b.lastSeen = now
	w.evict(b, now)

	if len(b.events) >= w.maxRequests {
		return false, w.retryAfter(b, now)
	}
	b.events = append(b.events, now)
	return true, 0
}

// Allow records an event for id and reports whether it was admitted
func (w *Window) Allow(id string) bool {
	ok, _ := w.Take(id)
	return ok
}

// Remaining returns how many events id may still make in the current window
func (w *Window) Remaining(id string) int {
	b := w.acquire(id)
	defer b.mu.Unlock()

	now := w.clock.Now()
	b.lastSeen = now
	w.evict(b, now)

	if r := w.maxRequests - len(b.events); r > 0 {
		return r
	}
	return 0
}

// RetryAfter returns the wait until id can be admitted again, 0 if it can now
func (w *Window) RetryAfter(id string) time.Duration {
	b := w.acquire(id)
	defer b.mu.Unlock()

	now := w.clock.Now()
	w.evict(b, now)
	return w.retryAfter(b, now)
}

// Reset forgets all events for id
func (w *Window) Reset(id string) {
	b := w.acquire(id)
	b.events = b.events[:0]
	b.mu.Unlock()
}

// Len returns the number of tracked identifiers
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buckets)
}

// Cleanup removes buckets that have been idle for idleTTL and hold no
// events inside the window.
func (w *Window) Cleanup() int {
	now := w.clock.Now()
	cutoff := now.Add(-w.idleTTL)

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for id, b := range w.buckets {
		b.mu.Lock()
		w.evict(b, now)
		if len(b.events) == 0 && !b.lastSeen.After(cutoff) {
			b.dead = true
			delete(w.buckets, id)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}
