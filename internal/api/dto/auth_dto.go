package dto

import (
	"time"

	"github.com/spec-kit/auth-service/internal/domain"
)

// RegisterRequest payload for new accounts.
type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// LoginRequest payload for login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UpdateProfileRequest carries optional profile fields.
type UpdateProfileRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Avatar    *string `json:"avatar"`
}

// PasswordChangeRequest payload for changing the caller's password.
type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// UserStatusRequest payload for activating or deactivating an account.
type UserStatusRequest struct {
	Active *bool `json:"active"`
}

// SessionResponse is returned by register and login. The refresh token
// travels in a cookie, never in the body.
type SessionResponse struct {
	User        *domain.User `json:"user"`
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// TokenResponse is returned by refresh.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// UserResponse wraps a single user.
type UserResponse struct {
	User *domain.User `json:"user"`
}

// MessageResponse carries a short confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// Envelope wraps successful payloads under "data".
type Envelope struct {
	Data any `json:"data"`
}
