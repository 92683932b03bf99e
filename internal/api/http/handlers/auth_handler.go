package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/auth-service/internal/api/dto"
	"github.com/spec-kit/auth-service/internal/auth"
	"github.com/spec-kit/auth-service/internal/service"
	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

// AuthHandler exposes session endpoints.
type AuthHandler struct {
	auth    *service.AuthService
	cookies CookieSettings
}

// NewAuthHandler constructs handler.
func NewAuthHandler(authService *service.AuthService, cookies CookieSettings) *AuthHandler {
	return &AuthHandler{auth: authService, cookies: cookies}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid request body", nil)
	}

	session, err := h.auth.Register(c.UserContext(), service.RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}, newCookieChannel(c, h.cookies))
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(sessionEnvelope(session))
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid request body", nil)
	}

	session, err := h.auth.Login(c.UserContext(), req.Email, req.Password, newCookieChannel(c, h.cookies))
	if err != nil {
		return err
	}
	return c.JSON(sessionEnvelope(session))
}

// Refresh handles POST /auth/refresh using the refresh cookie.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	token, err := h.auth.Refresh(c.UserContext(), newCookieChannel(c, h.cookies).Value())
	if err != nil {
		return err
	}
	return c.JSON(dto.Envelope{Data: dto.TokenResponse{
		AccessToken: token.Value,
		ExpiresAt:   token.ExpiresAt,
	}})
}

// Logout handles POST /auth/logout.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	user, _ := auth.PrincipalFromContext(c)
	h.auth.Logout(c.UserContext(), user, newCookieChannel(c, h.cookies))
	return c.JSON(dto.Envelope{Data: dto.MessageResponse{Message: "logged out"}})
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized(auth.NotAuthorizedMessage)
	}
	return c.JSON(dto.Envelope{Data: dto.UserResponse{User: user}})
}

// UpdateMe handles PATCH /auth/me.
func (h *AuthHandler) UpdateMe(c *fiber.Ctx) error {
	user, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized(auth.NotAuthorizedMessage)
	}
	var req dto.UpdateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid request body", nil)
	}

	updated, err := h.auth.UpdateProfile(c.UserContext(), user, service.ProfileInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Avatar:    req.Avatar,
	})
	if err != nil {
		return err
	}
	return c.JSON(dto.Envelope{Data: dto.UserResponse{User: updated}})
}

// ChangePassword handles POST /auth/password/change.
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	user, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized(auth.NotAuthorizedMessage)
	}
	var req dto.PasswordChangeRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid request body", nil)
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return apperrors.NewValidationError("current_password and new_password are required", nil)
	}

	if err := h.auth.ChangePassword(c.UserContext(), user, req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	return c.JSON(dto.Envelope{Data: dto.MessageResponse{Message: "password updated"}})
}

func sessionEnvelope(session *service.Session) dto.Envelope {
	return dto.Envelope{Data: dto.SessionResponse{
		User:        session.User,
		AccessToken: session.AccessToken.Value,
		ExpiresAt:   session.AccessToken.ExpiresAt,
	}}
}
