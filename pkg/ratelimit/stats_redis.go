package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder writes decision counters to redis hashes:
//
//	<prefix>:total                 allowed/denied
//	<prefix>:tier                  <tier>:allowed, <tier>:denied
//	<prefix>:minute:YYYYMMDDhhmm   allowed/denied, expires after ttl
//	<prefix>:account:<id>          <tier>:allowed, <tier>:denied, expires after ttl
type RedisRecorder struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// RedisRecorderOption configures a RedisRecorder
type RedisRecorderOption func(*RedisRecorder)

// WithRedisPrefix sets the key prefix
func WithRedisPrefix(prefix string) RedisRecorderOption {
	return func(r *RedisRecorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithRedisTTL sets the expiry of per-minute and per-account keys
func WithRedisTTL(d time.Duration) RedisRecorderOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

// NewRedisRecorder creates a recorder on rdb
func NewRedisRecorder(rdb redis.Cmdable, opts ...RedisRecorderOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:    rdb,
		prefix: "kworkgate:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	if r == nil || r.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.prefix+":total", field, 1)
	if ev.Tier != "" {
		pipe.HIncrBy(ctx, r.prefix+":tier", ev.Tier+":"+field, 1)
	}

	minuteKey := fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, minuteKey, r.ttl)
	}

	if id := strings.TrimSpace(ev.AccountID); id != "" {
		accountKey := r.prefix + ":account:" + id
		pipe.HIncrBy(ctx, accountKey, ev.Tier+":"+field, 1)
		if r.ttl > 0 {
			pipe.Expire(ctx, accountKey, r.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
