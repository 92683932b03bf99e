package http

import (
	"context"
	"errors"
	"math"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"go.uber.org/zap"

	"github.com/spec-kit/auth-service/internal/observability"
	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

// MiddlewareConfig bundles dependencies of the global middleware chain.
type MiddlewareConfig struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Timeout time.Duration
	// Debug exposes internal error details under error.debug.
	Debug bool
	// CORSOrigins may call the API with credentials. Empty disables CORS.
	CORSOrigins []string
}

// RegisterMiddlewares attaches global middlewares such as error handling and logging.
func RegisterMiddlewares(app *fiber.App, cfg MiddlewareConfig) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	app.Use(observability.RequestLogger(cfg.Logger, cfg.Metrics))
	app.Use(errorHandlingMiddleware(cfg))
	app.Use(helmet.New())
	if len(cfg.CORSOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins:     strings.Join(cfg.CORSOrigins, ","),
			AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
			AllowCredentials: true,
		}))
	}
	if cfg.Timeout > 0 {
		app.Use(requestTimeoutMiddleware(cfg.Timeout))
	}
}

func requestTimeoutMiddleware(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func errorHandlingMiddleware(cfg MiddlewareConfig) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				cfg.Logger.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = apperrors.NewInternalError(nil)
			}
			if err != nil {
				writeError(c, err, cfg)
				err = nil
			}
		}()
		return c.Next()
	}
}

// ErrorHandler is installed as fiber's fallback handler for errors raised
// outside the middleware chain.
func ErrorHandler(cfg MiddlewareConfig) fiber.ErrorHandler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return func(c *fiber.Ctx, err error) error {
		writeError(c, err, cfg)
		return nil
	}
}

func writeError(c *fiber.Ctx, err error, cfg MiddlewareConfig) {
	domainErr := toDomainError(err)
	cfg.Metrics.RecordError(routePath(c), c.Method(), domainErr.Code)

	body := fiber.Map{
		"code":    domainErr.Code,
		"message": domainErr.Message,
	}
	if len(domainErr.Details) > 0 {
		body["details"] = domainErr.Details
	}

	if domainErr.Operational() {
		if domainErr.Err != nil {
			cfg.Logger.Debug("request rejected",
				zap.String("path", c.Path()),
				zap.String("code", domainErr.Code),
				zap.Error(domainErr.Err))
		}
	} else {
		cfg.Logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(domainErr))
		if cfg.Debug && domainErr.Err != nil {
			body["debug"] = domainErr.Err.Error()
		}
	}

	if domainErr.RetryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(domainErr.RetryAfter.Seconds()))))
	}
	c.Status(domainErr.HTTPStatus)
	if jsonErr := c.JSON(fiber.Map{"error": body}); jsonErr != nil {
		cfg.Logger.Error("failed to write error response", zap.Error(jsonErr))
	}
}

// toDomainError also maps framework errors (body limits, unknown methods)
// onto the error envelope.
func toDomainError(err error) *apperrors.DomainError {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		switch {
		case fiberErr.Code == fiber.StatusNotFound:
			return apperrors.ToDomainError(apperrors.NewNotFound("resource", nil))
		case fiberErr.Code < fiber.StatusInternalServerError:
			return apperrors.NewDomainError(codeForStatus(fiberErr.Code), fiberErr.Message, fiberErr.Code, nil)
		}
	}
	return apperrors.ToDomainError(err)
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return apperrors.CodeValidation
	case fiber.StatusUnauthorized:
		return apperrors.CodeUnauthorized
	case fiber.StatusForbidden:
		return apperrors.CodeForbidden
	case fiber.StatusConflict:
		return apperrors.CodeConflict
	case fiber.StatusTooManyRequests:
		return apperrors.CodeRateLimited
	default:
		return apperrors.CodeBadRequest
	}
}

func routePath(c *fiber.Ctx) string {
	if r := c.Route(); r != nil && r.Path != "" {
		return r.Path
	}
	return c.Path()
}
