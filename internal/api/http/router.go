package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/spec-kit/auth-service/internal/api/http/handlers"
	"github.com/spec-kit/auth-service/internal/auth"
	"github.com/spec-kit/auth-service/internal/domain"
	"github.com/spec-kit/auth-service/internal/observability"
	"github.com/spec-kit/auth-service/internal/ratelimit"
	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Admin          *handlers.AdminHandler
	AuthMiddleware *auth.AuthMiddleware
	Limiter        ratelimit.Limiter
	Metrics        *observability.Metrics
	Logger         *zap.Logger
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))

	limit := func(bucket ratelimit.Bucket) fiber.Handler {
		if cfg.Limiter == nil {
			return func(c *fiber.Ctx) error { return c.Next() }
		}
		return ratelimit.Middleware(cfg.Limiter, bucket, cfg.Logger, cfg.Metrics)
	}

	authGroup := app.Group("/auth", limit(ratelimit.BucketAPI))
	authGroup.Post("/register", limit(ratelimit.BucketRegister), cfg.Auth.Register)
	authGroup.Post("/login", limit(ratelimit.BucketLogin), cfg.Auth.Login)
	authGroup.Post("/refresh", cfg.Auth.Refresh)

	protect := cfg.AuthMiddleware.Handle
	authGroup.Post("/logout", protect, cfg.Auth.Logout)
	authGroup.Get("/me", protect, cfg.Auth.Me)
	authGroup.Patch("/me", protect, cfg.Auth.UpdateMe)
	authGroup.Post("/password/change", protect, cfg.Auth.ChangePassword)

	admin := app.Group("/admin", limit(ratelimit.BucketAPI))
	admin.Patch("/users/:id/status", protect, auth.RequireRole(domain.RoleAdmin), cfg.Admin.SetStatus)

	app.Use(func(c *fiber.Ctx) error {
		return apperrors.NewNotFound("route "+c.OriginalURL(), nil)
	})
}
