package http

import (
	"github.com/gofiber/fiber/v2"
)

// NewApp builds a fiber app with the shared error envelope and the global
// middleware chain installed. Routes are added with RegisterRoutes.
func NewApp(name string, mw MiddlewareConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               name,
		ErrorHandler:          ErrorHandler(mw),
		DisableStartupMessage: true,
	})
	RegisterMiddlewares(app, mw)
	return app
}
