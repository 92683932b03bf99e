package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/auth-service/internal/api/dto"
	"github.com/spec-kit/auth-service/internal/auth"
	"github.com/spec-kit/auth-service/internal/service"
	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

// AdminHandler exposes account administration endpoints.
type AdminHandler struct {
	auth *service.AuthService
}

// NewAdminHandler constructs handler.
func NewAdminHandler(authService *service.AuthService) *AdminHandler {
	return &AdminHandler{auth: authService}
}

// SetStatus handles PATCH /admin/users/:id/status.
func (h *AdminHandler) SetStatus(c *fiber.Ctx) error {
	var req dto.UserStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid request body", nil)
	}
	if req.Active == nil {
		return apperrors.NewValidationError("validation failed", map[string]any{"active": "is required"})
	}

	actor, _ := auth.PrincipalFromContext(c)
	user, err := h.auth.SetActive(c.UserContext(), actor, c.Params("id"), *req.Active)
	if err != nil {
		return err
	}
	return c.JSON(dto.Envelope{Data: dto.UserResponse{User: user}})
}
