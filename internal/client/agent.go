// Package client is a Go session agent for the auth API. It keeps the access
// token in memory, lets the cookie jar carry the refresh token, and renews the
// access token once when a request comes back 401.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/auth-service/internal/api/dto"
	"github.com/spec-kit/auth-service/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	refreshPath    = "/auth/refresh"
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// errSessionExpired is returned to callers that waited on a refresh that
// failed.
var errSessionExpired = &APIError{
	Status:  http.StatusUnauthorized,
	Code:    "UNAUTHORIZED",
	Message: "session expired",
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// retryKey marks a request context that already spent its refresh attempt.
type retryKey struct{}

func withoutRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, retryKey{}, true)
}

func refreshSpent(ctx context.Context) bool {
	spent, _ := ctx.Value(retryKey{}).(bool)
	return spent
}

// Agent performs authenticated requests against the API.
type Agent struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	onReauthenticate func()

	mu    sync.RWMutex
	token string

	refreshMu sync.Mutex
}

// Option customizes an Agent.
type Option func(*Agent)

// WithHTTPClient replaces the underlying client. A cookie jar is installed
// when the client has none.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) { a.http = c }
}

// WithReauthenticate registers the callback invoked when the session cannot
// be renewed and the user has to log in again.
func WithReauthenticate(fn func()) Option {
	return func(a *Agent) { a.onReauthenticate = fn }
}

// WithLogger sets the agent's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// New builds an agent for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Agent, error) {
	a := &Agent{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		a.http.Jar = jar
	}
	return a, nil
}

// Token returns the cached access token.
func (a *Agent) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// SetToken replaces the cached access token.
func (a *Agent) SetToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

// Register creates an account and starts a session.
func (a *Agent) Register(ctx context.Context, req dto.RegisterRequest) (*domain.User, error) {
	return a.openSession(ctx, "/auth/register", req)
}

// Login starts a session.
func (a *Agent) Login(ctx context.Context, email, password string) (*domain.User, error) {
	return a.openSession(ctx, "/auth/login", dto.LoginRequest{Email: email, Password: password})
}

func (a *Agent) openSession(ctx context.Context, path string, body any) (*domain.User, error) {
	var session dto.SessionResponse
	if err := a.Do(withoutRefresh(ctx), http.MethodPost, path, body, &session); err != nil {
		return nil, err
	}
	a.SetToken(session.AccessToken)
	return session.User, nil
}

// Logout ends the session. The cached token is dropped even if the call fails.
func (a *Agent) Logout(ctx context.Context) error {
	defer a.SetToken("")
	return a.Do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// Me returns the current user.
func (a *Agent) Me(ctx context.Context) (*domain.User, error) {
	var out dto.UserResponse
	if err := a.Do(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

// Refresh exchanges the refresh cookie for a new access token.
func (a *Agent) Refresh(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()
	return a.refresh(ctx)
}

func (a *Agent) refresh(ctx context.Context) error {
	var out dto.TokenResponse
	if err := a.Do(withoutRefresh(ctx), http.MethodPost, refreshPath, nil, &out); err != nil {
		return err
	}
	a.SetToken(out.AccessToken)
	return nil
}

// Do sends a JSON request with the current bearer token and decodes the
// "data" member of the response into out. A 401 triggers one refresh and one
// retry; if the refresh fails the token is dropped and the reauthenticate
// callback runs.
func (a *Agent) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	sentWith := a.Token()
	resp, err := a.send(ctx, method, path, payload, sentWith)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && !refreshSpent(ctx) {
		drain(resp)
		if err := a.renew(ctx, sentWith); err != nil {
			return err
		}
		if resp, err = a.send(withoutRefresh(ctx), method, path, payload, a.Token()); err != nil {
			return err
		}
	}
	defer drain(resp)
	return decode(resp, out)
}

// renew refreshes unless another caller already replaced the token that
// was rejected. The check runs under refreshMu so concurrent 401s share one
// refresh.
func (a *Agent) renew(ctx context.Context, rejected string) error {
	a.refreshMu.Lock()
	if current := a.Token(); current != rejected {
		a.refreshMu.Unlock()
		if current == "" {
			return errSessionExpired
		}
		return nil
	}
	err := a.refresh(ctx)
	if err != nil {
		a.logger.Debug("session refresh failed", zap.Error(err))
		a.SetToken("")
	}
	a.refreshMu.Unlock()

	if err != nil && a.onReauthenticate != nil {
		a.onReauthenticate()
	}
	return err
}

func (a *Agent) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	envelope := dto.Envelope{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
