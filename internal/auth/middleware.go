package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/auth-service/internal/domain"
	"github.com/spec-kit/auth-service/internal/repository"
	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

const principalKey = "auth_principal"

// NotAuthorizedMessage is the single caller-visible message for every
// rejection made by the middleware.
const NotAuthorizedMessage = "not authorized to access this route"

var (
	errMissingToken    = errors.New("missing bearer token")
	errUserGone        = errors.New("user no longer exists")
	errUserDeactivated = errors.New("account deactivated")
)

// AuthMiddleware validates bearer tokens and loads principals.
type AuthMiddleware struct {
	tokens *TokenManager
	users  repository.UserRepository
	logger *zap.Logger
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenManager, users repository.UserRepository, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{tokens: tokens, users: users, logger: logger}
}

// Handle enforces authentication for protected routes. On success the
// password-stripped user is available through PrincipalFromContext.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	token, ok := BearerToken(c.Get(fiber.HeaderAuthorization))
	if !ok {
		return m.reject(c, errMissingToken)
	}

	claims, err := m.tokens.ParseToken(token, domain.TokenKindAccess)
	if err != nil {
		return m.reject(c, err)
	}

	user, err := m.users.GetByID(c.UserContext(), claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return m.reject(c, errUserGone)
		}
		return apperrors.NewInternalError(err)
	}
	if !user.Active {
		return m.reject(c, errUserDeactivated)
	}

	c.Locals(principalKey, user.Sanitized())
	return c.Next()
}

func (m *AuthMiddleware) reject(c *fiber.Ctx, cause error) error {
	m.logger.Debug("request not authorized",
		zap.String("path", c.Path()),
		zap.String("reason", cause.Error()))
	return apperrors.NewUnauthorizedCause(NotAuthorizedMessage, cause)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// PrincipalFromContext retrieves the authenticated user.
func PrincipalFromContext(c *fiber.Ctx) (*domain.User, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	user, ok := val.(*domain.User)
	return user, ok
}
