package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/auth-service/internal/domain"
	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

// RoleAllowed reports whether role is one of allowed.
func RoleAllowed(role domain.Role, allowed ...domain.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// RequireRole ensures the authenticated user has one of the allowed roles.
// It must be mounted after AuthMiddleware.Handle.
func RequireRole(allowed ...domain.Role) fiber.Handler {
	roles := append([]domain.Role(nil), allowed...)
	return func(c *fiber.Ctx) error {
		user, ok := PrincipalFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized(NotAuthorizedMessage)
		}
		if !RoleAllowed(user.Role, roles...) {
			return apperrors.NewForbidden("you do not have permission to perform this action")
		}
		return c.Next()
	}
}
