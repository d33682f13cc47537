// Package ratelimit implements the per-account request budgets.
//
// Window is a sliding-window counter keyed by identifier: at most
// MaxRequests events are admitted in any trailing Window. Tiered holds one
// Window per named tier (general, message, response, gigEdit, auth) and
// evaluates compound admission, general first and then the specific tier.
//
// Buckets are created lazily and dropped by a janitor once idle, so memory
// stays bounded by the set of recently active accounts.
//
//	tiered, err := ratelimit.NewTiered(cfg.RateLimit.Tiers,
//	    ratelimit.WithBucketIdleTTL(cfg.RateLimit.IdleTTL))
//	if err != nil {
//	    return err
//	}
//	tiered.StartJanitor(ctx, cfg.RateLimit.CleanupInterval)
//
//	d, err := tiered.AllowRequest(ctx, accountID, config.TierMessage)
//	if !d.Allowed {
//	    // d.Tier is the tier that denied, d.RetryAfter when it frees up
//	}
//
// Decisions can be mirrored to a Recorder (in memory or redis) for
// observability. Recording is best effort and never changes a decision.
package ratelimit
