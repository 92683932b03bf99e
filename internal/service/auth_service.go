package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/auth-service/internal/auth"
	"github.com/spec-kit/auth-service/internal/config"
	"github.com/spec-kit/auth-service/internal/domain"
	"github.com/spec-kit/auth-service/internal/events"
	"github.com/spec-kit/auth-service/internal/observability"
	"github.com/spec-kit/auth-service/internal/repository"
	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

// Caller-visible messages.
const (
	MsgInvalidCredentials  = "invalid email or password"
	MsgAccountDeactivated  = "account deactivated"
	MsgEmailInUse          = "email already in use"
	MsgUsernameTaken       = "username already taken"
	MsgMissingCredentials  = "please provide email and password"
	MsgNoRefreshToken      = "no refresh token provided"
	MsgInvalidRefreshToken = "invalid refresh token"
	MsgUserGone            = "user no longer exists"
	MsgWrongPassword       = "current password is incorrect"
	MsgSelfDeactivation    = "you cannot deactivate your own account"
)

// RefreshChannel carries the refresh token to the client outside the
// response body. The HTTP layer backs it with a cookie.
type RefreshChannel interface {
	Set(token *domain.Token) error
	Clear() error
}

// RegisterInput holds fields for a new account.
type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// ProfileInput holds optional profile changes; nil fields are left as is.
type ProfileInput struct {
	FirstName *string
	LastName  *string
	Avatar    *string
}

// Session is the result of a successful register or login.
type Session struct {
	User        *domain.User
	AccessToken *domain.Token
}

// AuthService coordinates registration, login and token refresh flows.
type AuthService struct {
	users      repository.UserRepository
	hasher     *auth.PasswordHasher
	tokens     *auth.TokenManager
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	// dummyHash is compared against when the email is unknown.
	dummyHash string
}

// AuthDependencies encapsulates collaborators of the auth service.
type AuthDependencies struct {
	Users      repository.UserRepository
	Hasher     *auth.PasswordHasher
	Tokens     *auth.TokenManager
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewAuthService builds the service. It fails when the hasher cannot produce
// the hash used to equalize unknown-email login timing.
func NewAuthService(cfg config.AuthConfig, deps AuthDependencies) (*AuthService, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dummyHash, err := deps.Hasher.DummyHash()
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &AuthService{
		users:      deps.Users,
		hasher:     deps.Hasher,
		tokens:     deps.Tokens,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		metrics:    deps.Metrics,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		now:        time.Now,
		dummyHash:  dummyHash,
	}, nil
}

// Register creates an account and opens a session for it.
func (s *AuthService) Register(ctx context.Context, in RegisterInput, channel RefreshChannel) (*Session, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = domain.NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)

	if errs := domain.ValidateRegistration(in.Username, in.Email, in.Password, in.FirstName, in.LastName); errs != nil {
		return nil, validationError(errs)
	}

	if err := s.ensureAvailable(ctx, in.Email, in.Username); err != nil {
		return nil, err
	}

	user := &domain.User{
		Username:  in.Username,
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Active:    true,
		Role:      domain.RoleUser,
	}
	if _, err := user.SetPassword(s.hasher, in.Password); err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, mapStoreError(err)
	}

	session, err := s.openSession(user, channel)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.NewEvent(events.EventUserRegistered, user.ID, nil))
	return session, nil
}

func (s *AuthService) ensureAvailable(ctx context.Context, email, username string) error {
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return apperrors.NewConflict(MsgEmailInUse, map[string]any{"field": "email"})
	} else if !errors.Is(err, repository.ErrNotFound) {
		return apperrors.NewInternalError(err)
	}
	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return apperrors.NewConflict(MsgUsernameTaken, map[string]any{"field": "username"})
	} else if !errors.Is(err, repository.ErrNotFound) {
		return apperrors.NewInternalError(err)
	}
	return nil
}

// Login authenticates by email and password. Unknown email and wrong password
// are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string, channel RefreshChannel) (*Session, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperrors.NewValidationError(MsgMissingCredentials, nil)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewInternalError(err)
		}
		s.hasher.Compare(s.dummyHash, password)
		s.loginFailed(ctx, "", "unknown_email")
		return nil, apperrors.NewUnauthorized(MsgInvalidCredentials)
	}

	if !user.Active {
		s.loginFailed(ctx, user.ID, "inactive")
		return nil, apperrors.NewUnauthorized(MsgAccountDeactivated)
	}
	if !s.hasher.Compare(user.PasswordHash, password) {
		s.loginFailed(ctx, user.ID, "bad_password")
		return nil, apperrors.NewUnauthorized(MsgInvalidCredentials)
	}

	now := s.now().UTC()
	if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to record last login", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLoginAt = &now
	}

	session, err := s.openSession(user, channel)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.NewEvent(events.EventUserLoggedIn, user.ID, nil))
	return session, nil
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token itself is not rotated.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*domain.Token, error) {
	if refreshToken == "" {
		return nil, apperrors.NewUnauthorized(MsgNoRefreshToken)
	}
	claims, err := s.tokens.ParseToken(refreshToken, domain.TokenKindRefresh)
	if err != nil {
		return nil, apperrors.NewUnauthorizedCause(MsgInvalidRefreshToken, err)
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewUnauthorized(MsgUserGone)
		}
		return nil, apperrors.NewInternalError(err)
	}
	if !user.Active {
		return nil, apperrors.NewUnauthorized(MsgAccountDeactivated)
	}

	access, err := s.tokens.GenerateToken(user.ID, domain.TokenKindAccess, s.accessTTL)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	s.publish(ctx, events.NewEvent(events.EventTokenRefreshed, user.ID, nil))
	return access, nil
}

// Logout clears the refresh channel. It never fails; previously issued
// access tokens stay valid until they expire.
func (s *AuthService) Logout(ctx context.Context, user *domain.User, channel RefreshChannel) {
	if channel != nil {
		if err := channel.Clear(); err != nil {
			s.metrics.RecordChannelError()
			s.logger.Warn("failed to clear refresh token", zap.Error(err))
		}
	}
	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.publish(ctx, events.NewEvent(events.EventUserLoggedOut, userID, nil))
}

// UpdateProfile applies the non-nil fields of in to the caller's account.
func (s *AuthService) UpdateProfile(ctx context.Context, principal *domain.User, in ProfileInput) (*domain.User, error) {
	user, err := s.reload(ctx, principal)
	if err != nil {
		return nil, err
	}
	if in.FirstName != nil {
		user.FirstName = strings.TrimSpace(*in.FirstName)
	}
	if in.LastName != nil {
		user.LastName = strings.TrimSpace(*in.LastName)
	}
	if in.Avatar != nil {
		user.Avatar = strings.TrimSpace(*in.Avatar)
	}
	if errs := domain.ValidateProfile(user.FirstName, user.LastName); errs != nil {
		return nil, validationError(errs)
	}
	if err := s.users.Update(ctx, user); err != nil {
		return nil, mapStoreError(err)
	}
	return user.Sanitized(), nil
}

// ChangePassword verifies the current password before storing the new one.
// The hash is only rewritten when the plaintext actually changed.
func (s *AuthService) ChangePassword(ctx context.Context, principal *domain.User, current, next string) error {
	if errs := domain.ValidatePassword(next); errs != nil {
		return validationError(errs)
	}
	user, err := s.reload(ctx, principal)
	if err != nil {
		return err
	}
	if !s.hasher.Compare(user.PasswordHash, current) {
		return apperrors.NewUnauthorized(MsgWrongPassword)
	}

	changed, err := user.SetPassword(s.hasher, next)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if !changed {
		return nil
	}
	if err := s.users.Update(ctx, user); err != nil {
		return mapStoreError(err)
	}
	s.publish(ctx, events.NewEvent(events.EventPasswordChanged, user.ID, nil))
	return nil
}

// SetActive activates or deactivates an account on behalf of an admin.
func (s *AuthService) SetActive(ctx context.Context, actor *domain.User, userID string, active bool) (*domain.User, error) {
	if actor != nil && actor.ID == userID && !active {
		return nil, apperrors.NewForbidden(MsgSelfDeactivation)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("user", map[string]any{"id": userID})
		}
		return nil, apperrors.NewInternalError(err)
	}
	if user.Active == active {
		return user.Sanitized(), nil
	}

	user.Active = active
	if err := s.users.Update(ctx, user); err != nil {
		return nil, mapStoreError(err)
	}

	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	s.publish(ctx, events.NewEvent(events.EventUserStatusChanged, user.ID,
		events.UserStatusChangedPayload{Active: active, ActorID: actorID}))
	return user.Sanitized(), nil
}

func (s *AuthService) openSession(user *domain.User, channel RefreshChannel) (*Session, error) {
	access, err := s.tokens.GenerateToken(user.ID, domain.TokenKindAccess, s.accessTTL)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	refresh, err := s.tokens.GenerateToken(user.ID, domain.TokenKindRefresh, s.refreshTTL)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if channel != nil {
		if err := channel.Set(refresh); err != nil {
			s.metrics.RecordChannelError()
			s.logger.Warn("failed to set refresh token", zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	return &Session{User: user.Sanitized(), AccessToken: access}, nil
}

func (s *AuthService) reload(ctx context.Context, principal *domain.User) (*domain.User, error) {
	if principal == nil {
		return nil, apperrors.NewUnauthorized(auth.NotAuthorizedMessage)
	}
	user, err := s.users.GetByID(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewUnauthorized(MsgUserGone)
		}
		return nil, apperrors.NewInternalError(err)
	}
	return user, nil
}

func (s *AuthService) loginFailed(ctx context.Context, userID, reason string) {
	s.publish(ctx, events.NewEvent(events.EventLoginFailed, userID, events.LoginFailedPayload{Reason: reason}))
}

func (s *AuthService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event", string(event.Type)), zap.Error(err))
	}
}

func validationError(errs domain.FieldErrors) error {
	details := make(map[string]any, len(errs))
	for field, msg := range errs {
		details[field] = msg
	}
	return apperrors.NewValidationError("validation failed", details)
}

func mapStoreError(err error) error {
	var dup *repository.DuplicateError
	if errors.As(err, &dup) {
		if dup.Field == "email" {
			return apperrors.NewConflict(MsgEmailInUse, map[string]any{"field": "email"})
		}
		return apperrors.NewConflict(MsgUsernameTaken, map[string]any{"field": "username"})
	}
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NewUnauthorized(MsgUserGone)
	}
	return apperrors.NewInternalError(err)
}
