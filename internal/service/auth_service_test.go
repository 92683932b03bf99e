package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/auth-service/internal/auth"
	"github.com/spec-kit/auth-service/internal/config"
	"github.com/spec-kit/auth-service/internal/domain"
	"github.com/spec-kit/auth-service/internal/events"
	"github.com/spec-kit/auth-service/internal/observability"
	"github.com/spec-kit/auth-service/internal/repository"
	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeChannel struct {
	token    *domain.Token
	cleared  bool
	setErr   error
	clearErr error
}

func (f *fakeChannel) Set(token *domain.Token) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.token = token
	return nil
}

func (f *fakeChannel) Clear() error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.token = nil
	f.cleared = true
	return nil
}

type countingRepo struct {
	repository.UserRepository
	updates atomic.Int32
}

func (r *countingRepo) Update(ctx context.Context, user *domain.User) error {
	r.updates.Add(1)
	return r.UserRepository.Update(ctx, user)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc     *AuthService
	repo    *countingRepo
	tokens  *auth.TokenManager
	metrics *observability.Metrics
	clock   *clock

	mu     sync.Mutex
	events []events.Event
}

func (f *fixture) seen() []events.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hasher, err := auth.NewPasswordHasher(auth.MinBcryptCost)
	require.NoError(t, err)
	base, err := auth.NewTokenManager(testSecret)
	require.NoError(t, err)
	clk := &clock{now: time.Now()}
	tokens := base.WithClock(clk.Now)

	repo := &countingRepo{UserRepository: repository.NewMemoryUserRepository()}
	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher()
	NewAuditService(dispatcher, nil, metrics).RegisterHandlers()
	f := &fixture{repo: repo, tokens: tokens, metrics: metrics, clock: clk}
	record := func(_ context.Context, e events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
		return nil
	}
	for _, et := range []events.EventType{
		events.EventUserRegistered, events.EventUserLoggedIn, events.EventLoginFailed,
		events.EventTokenRefreshed, events.EventUserLoggedOut, events.EventPasswordChanged,
		events.EventUserStatusChanged,
	} {
		dispatcher.Subscribe(et, record)
	}

	f.svc, err = NewAuthService(config.AuthConfig{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}, AuthDependencies{
		Users:      repo,
		Hasher:     hasher,
		Tokens:     tokens,
		Dispatcher: dispatcher,
		Metrics:    metrics,
	})
	require.NoError(t, err)
	f.svc.now = clk.Now
	return f
}

func (f *fixture) register(t *testing.T, username, email, password string) *Session {
	t.Helper()
	session, err := f.svc.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    email,
		Password: password,
	}, &fakeChannel{})
	require.NoError(t, err)
	return session
}

func requireDomainError(t *testing.T, err error, status int, message string) *apperrors.DomainError {
	t.Helper()
	var de *apperrors.DomainError
	require.True(t, errors.As(err, &de), "expected DomainError, got %v", err)
	assert.Equal(t, status, de.HTTPStatus)
	if message != "" {
		assert.Equal(t, message, de.Message)
	}
	return de
}

func TestRegister_IssuesSession(t *testing.T) {
	f := newFixture(t)
	ch := &fakeChannel{}

	session, err := f.svc.Register(context.Background(), RegisterInput{
		Username: "alice",
		Email:    "  Alice@Example.com ",
		Password: "correct-horse",
	}, ch)
	require.NoError(t, err)

	assert.NotEmpty(t, session.User.ID)
	assert.Equal(t, "alice@example.com", session.User.Email)
	assert.Equal(t, domain.RoleUser, session.User.Role)
	assert.True(t, session.User.Active)
	assert.Empty(t, session.User.PasswordHash)

	claims, err := f.tokens.ParseToken(session.AccessToken.Value, domain.TokenKindAccess)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, claims.Subject)

	require.NotNil(t, ch.token)
	assert.Equal(t, domain.TokenKindRefresh, ch.token.Kind)

	stored, err := f.repo.GetByID(context.Background(), session.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "correct-horse", stored.PasswordHash)
	assert.Equal(t, []events.EventType{events.EventUserRegistered}, f.seen())
}

func TestRegister_ConflictsReportEmailFirst(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "alice@example.com", "password-1")

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Username: "alice", Email: "ALICE@example.com", Password: "password-2",
	}, &fakeChannel{})
	de := requireDomainError(t, err, http.StatusConflict, MsgEmailInUse)
	assert.Equal(t, "CONFLICT", de.Code)

	_, err = f.svc.Register(context.Background(), RegisterInput{
		Username: "alice", Email: "other@example.com", Password: "password-2",
	}, &fakeChannel{})
	requireDomainError(t, err, http.StatusConflict, MsgUsernameTaken)
}

func TestRegister_ValidationFailure(t *testing.T) {
	f := newFixture(t)
	ch := &fakeChannel{}

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Username: "a!", Email: "not-an-email", Password: "short",
	}, ch)
	de := requireDomainError(t, err, http.StatusBadRequest, "")
	assert.Contains(t, de.Details, "username")
	assert.Contains(t, de.Details, "email")
	assert.Contains(t, de.Details, "password")
	assert.Nil(t, ch.token)
}

func TestRegister_StoreRaceMapsToConflict(t *testing.T) {
	f := newFixture(t)
	f.svc.users = raceRepo{UserRepository: f.repo, field: "username"}

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Username: "bob", Email: "bob@example.com", Password: "password-1",
	}, &fakeChannel{})
	requireDomainError(t, err, http.StatusConflict, MsgUsernameTaken)
}

type raceRepo struct {
	repository.UserRepository
	field string
}

func (r raceRepo) Create(context.Context, *domain.User) error {
	return &repository.DuplicateError{Field: r.field}
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "alice@example.com", "password-1")

	_, unknown := f.svc.Login(context.Background(), "nobody@example.com", "password-1", &fakeChannel{})
	_, wrong := f.svc.Login(context.Background(), "alice@example.com", "password-2", &fakeChannel{})

	a := requireDomainError(t, unknown, http.StatusUnauthorized, MsgInvalidCredentials)
	b := requireDomainError(t, wrong, http.StatusUnauthorized, MsgInvalidCredentials)
	assert.Equal(t, a.Code, b.Code)
	assert.Equal(t, a.Details, b.Details)
}

func TestLogin_MissingFields(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Login(context.Background(), "", "x", &fakeChannel{})
	requireDomainError(t, err, http.StatusBadRequest, MsgMissingCredentials)
	_, err = f.svc.Login(context.Background(), "a@example.com", "", &fakeChannel{})
	requireDomainError(t, err, http.StatusBadRequest, MsgMissingCredentials)
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)
	registered := f.register(t, "alice", "alice@example.com", "password-1")
	ch := &fakeChannel{}

	session, err := f.svc.Login(context.Background(), " ALICE@example.com", "password-1", ch)
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, session.User.ID)
	assert.NotEqual(t, registered.AccessToken.Value, session.AccessToken.Value)
	require.NotNil(t, session.User.LastLoginAt)
	require.NotNil(t, ch.token)

	stored, err := f.repo.GetByID(context.Background(), session.User.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)
}

func TestLogin_DeactivatedAccount(t *testing.T) {
	f := newFixture(t)
	registered := f.register(t, "alice", "alice@example.com", "password-1")
	_, err := f.svc.SetActive(context.Background(), nil, registered.User.ID, false)
	require.NoError(t, err)

	_, err = f.svc.Login(context.Background(), "alice@example.com", "password-1", &fakeChannel{})
	requireDomainError(t, err, http.StatusUnauthorized, MsgAccountDeactivated)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	ch := &fakeChannel{}
	session, err := f.svc.Register(context.Background(), RegisterInput{
		Username: "alice", Email: "alice@example.com", Password: "password-1",
	}, ch)
	require.NoError(t, err)

	_, err = f.svc.Refresh(context.Background(), "")
	requireDomainError(t, err, http.StatusUnauthorized, MsgNoRefreshToken)

	_, err = f.svc.Refresh(context.Background(), session.AccessToken.Value)
	requireDomainError(t, err, http.StatusUnauthorized, MsgInvalidRefreshToken)

	access, err := f.svc.Refresh(context.Background(), ch.token.Value)
	require.NoError(t, err)
	claims, err := f.tokens.ParseToken(access.Value, domain.TokenKindAccess)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, claims.Subject)

	_, err = f.svc.SetActive(context.Background(), nil, session.User.ID, false)
	require.NoError(t, err)
	_, err = f.svc.Refresh(context.Background(), ch.token.Value)
	requireDomainError(t, err, http.StatusUnauthorized, MsgAccountDeactivated)
}

func TestRefresh_ExpiredRefreshToken(t *testing.T) {
	f := newFixture(t)
	ch := &fakeChannel{}
	_, err := f.svc.Register(context.Background(), RegisterInput{
		Username: "alice", Email: "alice@example.com", Password: "password-1",
	}, ch)
	require.NoError(t, err)
	require.NotNil(t, ch.token)

	f.clock.Advance(7*24*time.Hour - time.Minute)
	_, err = f.svc.Refresh(context.Background(), ch.token.Value)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.svc.Refresh(context.Background(), ch.token.Value)
	requireDomainError(t, err, http.StatusUnauthorized, MsgInvalidRefreshToken)
	assert.Contains(t, f.seen(), events.EventTokenRefreshed)
}

func TestNewAuthService_PreparesDummyHash(t *testing.T) {
	f := newFixture(t)
	require.NotEmpty(t, f.svc.dummyHash)
	assert.False(t, f.svc.hasher.Compare(f.svc.dummyHash, "password-1"))
}

func TestRefresh_UnknownSubject(t *testing.T) {
	f := newFixture(t)
	orphan, err := f.tokens.GenerateToken("8a8f8c36-4d1c-4b8e-9c55-0d3f3c1f0e11", domain.TokenKindRefresh, time.Hour)
	require.NoError(t, err)

	_, err = f.svc.Refresh(context.Background(), orphan.Value)
	requireDomainError(t, err, http.StatusUnauthorized, MsgUserGone)
}

func TestLogout_NeverFails(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "alice", "alice@example.com", "password-1")

	ch := &fakeChannel{token: session.AccessToken}
	f.svc.Logout(context.Background(), session.User, ch)
	assert.True(t, ch.cleared)

	broken := &fakeChannel{clearErr: errors.New("headers already sent")}
	assert.NotPanics(t, func() {
		f.svc.Logout(context.Background(), session.User, broken)
	})
	assert.Contains(t, f.seen(), events.EventUserLoggedOut)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "alice", "alice@example.com", "password-1")
	ctx := context.Background()

	err := f.svc.ChangePassword(ctx, session.User, "wrong-password", "password-2")
	requireDomainError(t, err, http.StatusUnauthorized, MsgWrongPassword)

	err = f.svc.ChangePassword(ctx, session.User, "password-1", "short")
	requireDomainError(t, err, http.StatusBadRequest, "")

	before := f.repo.updates.Load()
	require.NoError(t, f.svc.ChangePassword(ctx, session.User, "password-1", "password-1"))
	assert.Equal(t, before, f.repo.updates.Load(), "unchanged password must not be rewritten")

	require.NoError(t, f.svc.ChangePassword(ctx, session.User, "password-1", "password-2"))
	assert.Equal(t, before+1, f.repo.updates.Load())

	_, err = f.svc.Login(ctx, "alice@example.com", "password-1", &fakeChannel{})
	requireDomainError(t, err, http.StatusUnauthorized, MsgInvalidCredentials)
	_, err = f.svc.Login(ctx, "alice@example.com", "password-2", &fakeChannel{})
	require.NoError(t, err)
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "alice", "alice@example.com", "password-1")
	first, avatar := "Alice", "https://cdn.example.com/a.png"

	updated, err := f.svc.UpdateProfile(context.Background(), session.User, ProfileInput{
		FirstName: &first,
		Avatar:    &avatar,
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", updated.FirstName)
	assert.Empty(t, updated.LastName)
	assert.Equal(t, avatar, updated.Avatar)
	assert.Empty(t, updated.PasswordHash)

	long := string(make([]byte, domain.NameMaxLen+1))
	_, err = f.svc.UpdateProfile(context.Background(), session.User, ProfileInput{LastName: &long})
	requireDomainError(t, err, http.StatusBadRequest, "")
}

func TestSetActive(t *testing.T) {
	f := newFixture(t)
	admin := f.register(t, "admin", "admin@example.com", "password-1")
	user := f.register(t, "bob", "bob@example.com", "password-1")
	ctx := context.Background()

	_, err := f.svc.SetActive(ctx, admin.User, admin.User.ID, false)
	requireDomainError(t, err, http.StatusForbidden, MsgSelfDeactivation)

	_, err = f.svc.SetActive(ctx, admin.User, "missing", false)
	requireDomainError(t, err, http.StatusNotFound, "user not found")

	updated, err := f.svc.SetActive(ctx, admin.User, user.User.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Contains(t, f.seen(), events.EventUserStatusChanged)

	updated, err = f.svc.SetActive(ctx, admin.User, user.User.ID, true)
	require.NoError(t, err)
	assert.True(t, updated.Active)
}
