// Package retry retries transient transport failures with backoff.
//
// Only network failures and 5xx responses are retried. Session rejections
// (rate limits, authentication) pass straight through: the session core
// never retries on its own and neither does this package on its behalf.
//
//	err := retry.Do(ctx, retry.DefaultConfig(cfg.Transport.MaxRetries), func(ctx context.Context) error {
//	    return send(ctx)
//	})
package retry
