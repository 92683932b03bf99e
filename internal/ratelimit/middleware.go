package ratelimit

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

// Recorder receives a signal each time a request is throttled.
type Recorder interface {
	RecordRateLimited(bucket string)
}

// Middleware rejects requests that exceed the bucket's quota, keyed by
// client IP. Limiter failures are logged and the request is let through.
func Middleware(limiter Limiter, bucket Bucket, logger *zap.Logger, recorder Recorder) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		decision, err := limiter.Allow(c.UserContext(), bucket, c.IP())
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.String("bucket", string(bucket)), zap.Error(err))
			return c.Next()
		}

		c.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			if recorder != nil {
				recorder.RecordRateLimited(string(bucket))
			}
			return apperrors.NewRateLimited(decision.RetryAfter)
		}
		return c.Next()
	}
}
