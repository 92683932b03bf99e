package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/spec-kit/auth-service/internal/config"
)

// Bucket names an independently limited endpoint class.
type Bucket string

const (
	BucketLogin    Bucket = "login"
	BucketRegister Bucket = "register"
	BucketAPI      Bucket = "api"
)

// Quota is the allowance for one bucket: Max requests per Window.
type Quota struct {
	Max    int
	Window time.Duration
}

// QuotasFromConfig builds the per-bucket quotas.
func QuotasFromConfig(cfg config.RateLimitConfig) map[Bucket]Quota {
	return map[Bucket]Quota{
		BucketLogin:    {Max: cfg.LoginMax, Window: cfg.LoginWindow},
		BucketRegister: {Max: cfg.RegisterMax, Window: cfg.RegisterWindow},
		BucketAPI:      {Max: cfg.APIMax, Window: cfg.APIWindow},
	}
}

// Decision is the outcome of one check. RetryAfter is zero when allowed.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func newDecision(quota Quota, count int64, now, resetAt time.Time) Decision {
	remaining := int64(quota.Max) - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= int64(quota.Max),
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}
	if !d.Allowed && resetAt.After(now) {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d
}

// ErrUnknownBucket is returned for buckets without a configured quota.
var ErrUnknownBucket = errors.New("unknown rate limit bucket")

// Limiter counts requests per (bucket, client) and decides whether the
// current one fits in the bucket's quota. Every call counts, allowed or not.
type Limiter interface {
	Allow(ctx context.Context, bucket Bucket, clientKey string) (Decision, error)
}

func counterKey(bucket Bucket, clientKey string) string {
	return string(bucket) + ":" + clientKey
}
