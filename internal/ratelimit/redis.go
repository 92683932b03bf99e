package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisLimiter is a fixed-window limiter shared by every process pointing at
// the same Redis. The window starts at the first hit of a key.
type RedisLimiter struct {
	client redis.UniversalClient
	quotas map[Bucket]Quota
	now    func() time.Time
}

// NewRedisLimiter builds a limiter backed by client.
func NewRedisLimiter(client redis.UniversalClient, quotas map[Bucket]Quota) *RedisLimiter {
	cp := make(map[Bucket]Quota, len(quotas))
	for b, q := range quotas {
		cp[b] = q
	}
	return &RedisLimiter{client: client, quotas: cp, now: time.Now}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, bucket Bucket, clientKey string) (Decision, error) {
	quota, ok := l.quotas[bucket]
	if !ok {
		return Decision{}, ErrUnknownBucket
	}
	key := redisKeyPrefix + counterKey(bucket, clientKey)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}

	// Fixed window: only the first hit sets the expiry.
	if count == 1 {
		if err := l.client.PExpire(ctx, key, quota.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
		return l.decide(quota, count, quota.Window), nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit ttl: %w", err)
	}
	if ttl < 0 {
		// A previous expire was lost; restart the window rather than lock the key forever.
		if err := l.client.PExpire(ctx, key, quota.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
		ttl = quota.Window
	}
	return l.decide(quota, count, ttl), nil
}

func (l *RedisLimiter) decide(quota Quota, count int64, ttl time.Duration) Decision {
	now := l.now()
	return newDecision(quota, count, now, now.Add(ttl))
}
