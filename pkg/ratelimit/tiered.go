package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"kworkgate/pkg/clock"
	"kworkgate/pkg/config"
	"kworkgate/pkg/logger"
)

// Decision is the outcome of a compound admission check
type Decision struct {
	Allowed bool
	// Tier is the tier that denied the request, or the requested tier when allowed.
	Tier       string
	RetryAfter time.Duration
}

// Tiered keeps one Window per tier. The tier table is fixed at construction.
type Tiered struct {
	windows  map[string]*Window
	recorder Recorder
	clock    clock.Clock
	logger   logger.Logger

	idleTTL time.Duration
}

// TieredOption configures a Tiered limiter
type TieredOption func(*Tiered)

// WithTieredClock sets the time source shared by every tier
func WithTieredClock(c clock.Clock) TieredOption {
	return func(t *Tiered) { t.clock = clock.OrSystem(c) }
}

// WithBucketIdleTTL sets the idle TTL of every tier's buckets
func WithBucketIdleTTL(d time.Duration) TieredOption {
	return func(t *Tiered) { t.idleTTL = d }
}

// WithRecorder mirrors every decision to r
func WithRecorder(r Recorder) TieredOption {
	return func(t *Tiered) { t.recorder = r }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) TieredOption {
	return func(t *Tiered) { t.logger = l }
}

// NewTiered builds a limiter from a tier table. A malformed table is an error.
func NewTiered(tiers map[string]config.TierLimit, opts ...TieredOption) (*Tiered, error) {
	if err := config.ValidateTiers(tiers); err != nil {
		return nil, fmt.Errorf("invalid tier configuration: %w", err)
	}

	t := &Tiered{
		windows: make(map[string]*Window, len(tiers)),
		clock:   clock.System{},
		idleTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logger.GetLogger()
	}
	t.logger = t.logger.WithField("component", "ratelimit")

	for name, limit := range tiers {
		t.windows[name] = NewWindow(limit.MaxRequests, limit.Window,
			WithClock(t.clock), WithIdleTTL(t.idleTTL))
	}
	return t, nil
}

// UnknownTierError is returned for a tier missing from the table
type UnknownTierError struct {
	Tier string
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown rate limit tier %q", e.Tier)
}

// Tiers returns the configured tier names, sorted
func (t *Tiered) Tiers() []string {
	names := make([]string, 0, len(t.windows))
	for name := range t.windows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Limit returns the configured limit of a tier
func (t *Tiered) Limit(tier string) (config.TierLimit, bool) {
	w, ok := t.windows[tier]
	if !ok {
		return config.TierLimit{}, false
	}
	return config.TierLimit{MaxRequests: w.MaxRequests(), Window: w.Duration()}, true
}

// Allow checks a single tier for accountID. Unknown tiers are denied.
func (t *Tiered) Allow(accountID, tier string) bool {
	d, err := t.Take(context.Background(), accountID, tier)
	return err == nil && d.Allowed
}

// Take consumes from a single tier.
func (t *Tiered) Take(ctx context.Context, accountID, tier string) (Decision, error) {
	w, ok := t.windows[tier]
	if !ok {
		return Decision{}, &UnknownTierError{Tier: tier}
	}

	allowed, retryAfter := w.Take(accountID)
	d := Decision{Allowed: allowed, Tier: tier, RetryAfter: retryAfter}
	t.record(ctx, accountID, d)
	return d, nil
}

// AllowRequest evaluates general first and then tier. When general denies,
// tier is left untouched. Asking for general itself consumes it once.
func (t *Tiered) AllowRequest(ctx context.Context, accountID, tier string) (Decision, error) {
	if _, ok := t.windows[tier]; !ok {
		return Decision{}, &UnknownTierError{Tier: tier}
	}

	d, err := t.Take(ctx, accountID, config.TierGeneral)
	if err != nil || !d.Allowed || tier == config.TierGeneral {
		return d, err
	}
	return t.Take(ctx, accountID, tier)
}

// RetryAfter reports the wait until tier admits accountID again
func (t *Tiered) RetryAfter(accountID, tier string) time.Duration {
	if w, ok := t.windows[tier]; ok {
		return w.RetryAfter(accountID)
	}
	return 0
}

// Snapshot returns the remaining budget of every tier for accountID
func (t *Tiered) Snapshot(accountID string) map[string]int {
	out := make(map[string]int, len(t.windows))
	for name, w := range t.windows {
		out[name] = w.Remaining(accountID)
	}
	return out
}

// Reset clears every tier for accountID
func (t *Tiered) Reset(accountID string) {
	for _, w := range t.windows {
		w.Reset(accountID)
	}
}

// Cleanup runs one idle sweep across all tiers and returns the buckets removed
func (t *Tiered) Cleanup() int {
	removed := 0
	for _, w := range t.windows {
		removed += w.Cleanup()
	}
	if removed > 0 {
		t.logger.DebugWithFields("Removed idle rate buckets", map[string]interface{}{
			"removed": removed,
		})
	}
	return removed
}

// StartJanitor sweeps idle buckets every interval until ctx is done
func (t *Tiered) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Cleanup()
			}
		}
	}()
}

func (t *Tiered) record(ctx context.Context, accountID string, d Decision) {
	if !d.Allowed {
		t.logger.DebugWithFields("Rate limit denied", map[string]interface{}{
			"account_id":  accountID,
			"tier":        d.Tier,
			"retry_after": d.RetryAfter,
		})
	}
	if t.recorder == nil {
		return
	}
	ev := Event{AccountID: accountID, Tier: d.Tier, Allowed: d.Allowed, At: t.clock.Now()}
	if err := t.recorder.Record(ctx, ev); err != nil {
		t.logger.WithError(err).Debug("Failed to record rate limit decision")
	}
}
