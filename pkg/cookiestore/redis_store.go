package cookiestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON strings that expire with the record
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store on rdb under prefix
func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "kworkgate:cookies"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *RedisStore) key(accountID string) string {
	return r.prefix + ":" + accountID
}

func (r *RedisStore) Save(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(r.now())
		if ttl <= 0 {
			return r.Delete(ctx, rec.AccountID)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(rec.AccountID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store in redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, accountID string) (*Record, error) {
	data, err := r.rdb.Get(ctx, r.key(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read redis: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Delete(ctx context.Context, accountID string) error {
	if err := r.rdb.Del(ctx, r.key(accountID)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}
