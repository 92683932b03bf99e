package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/auth-service/internal/domain"
)

// fakeAPI mimics the auth endpoints with controllable token validity.
type fakeAPI struct {
	mu           sync.Mutex
	validToken   string
	refreshOK    bool
	refreshCalls atomic.Int32
	meCalls      atomic.Int32
	rejectAll    bool
	// refreshGate, when set, holds refresh responses until closed.
	refreshGate chan struct{}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != "correct-horse" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{
				"code": "UNAUTHORIZED", "message": "invalid email or password",
			}})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "r1", Path: "/", HttpOnly: true})
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"user":         map[string]any{"id": "u1", "username": "alice", "email": body.Email},
			"access_token": f.token(),
			"expires_at":   "2030-01-01T00:00:00Z",
		}})
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		if f.refreshGate != nil {
			<-f.refreshGate
		}
		c, err := r.Cookie("refresh_token")
		if err != nil || c.Value != "r1" || !f.refreshOK {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{
				"code": "UNAUTHORIZED", "message": "invalid refresh token",
			}})
			return
		}
		f.mu.Lock()
		f.validToken = "access-2"
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"access_token": "access-2", "expires_at": "2030-01-01T00:00:00Z",
		}})
	})
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		f.meCalls.Add(1)
		if f.rejectAll || r.Header.Get("Authorization") != "Bearer "+f.token() {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{
				"code": "UNAUTHORIZED", "message": "not authorized to access this route",
			}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"user": map[string]any{"id": "u1", "username": "alice", "role": "user"},
		}})
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "", Path: "/", MaxAge: -1})
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"message": "logged out"}})
	})
	return mux
}

func (f *fakeAPI) token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validToken
}

func (f *fakeAPI) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validToken = "rotated-server-side"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newAgent(t *testing.T, api *fakeAPI, opts ...Option) *Agent {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	agent, err := New(srv.URL+"/", opts...)
	require.NoError(t, err)
	return agent
}

func TestAgent_LoginAndMe(t *testing.T) {
	api := &fakeAPI{validToken: "access-1", refreshOK: true}
	agent := newAgent(t, api)
	ctx := context.Background()

	user, err := agent.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "access-1", agent.Token())

	me, err := agent.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, me.Role)
	assert.Equal(t, int32(0), api.refreshCalls.Load())
}

func TestAgent_LoginFailureDoesNotRefresh(t *testing.T) {
	api := &fakeAPI{validToken: "access-1", refreshOK: true}
	agent := newAgent(t, api)

	_, err := agent.Login(context.Background(), "alice@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid email or password", apiErr.Message)
	assert.Equal(t, int32(0), api.refreshCalls.Load())
}

func TestAgent_RefreshesOnceAndRetries(t *testing.T) {
	api := &fakeAPI{validToken: "access-1", refreshOK: true}
	agent := newAgent(t, api)
	ctx := context.Background()

	_, err := agent.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	api.expire()

	me, err := agent.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)
	assert.Equal(t, "access-2", agent.Token())
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, int32(2), api.meCalls.Load())
}

func TestAgent_RetryIsAttemptedOnlyOnce(t *testing.T) {
	api := &fakeAPI{validToken: "access-1", refreshOK: true, rejectAll: true}
	agent := newAgent(t, api)
	ctx := context.Background()

	_, err := agent.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)

	_, err = agent.Me(ctx)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, int32(2), api.meCalls.Load())
}

func TestAgent_RefreshFailureRequiresReauthentication(t *testing.T) {
	api := &fakeAPI{validToken: "access-1", refreshOK: false}
	var reauth atomic.Int32
	agent := newAgent(t, api, WithReauthenticate(func() { reauth.Add(1) }))
	ctx := context.Background()

	_, err := agent.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	api.expire()

	_, err = agent.Me(ctx)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Empty(t, agent.Token())
	assert.Equal(t, int32(1), reauth.Load())
	assert.Equal(t, int32(1), api.meCalls.Load())
}

// meConcurrently fires n Me calls that all carry the expired token, then lets
// the held refresh through.
func meConcurrently(t *testing.T, agent *Agent, api *fakeAPI, n int) <-chan error {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agent.Me(context.Background())
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		return api.meCalls.Load() >= int32(n)
	}, 5*time.Second, 5*time.Millisecond)
	close(api.refreshGate)
	wg.Wait()
	close(errs)
	return errs
}

func TestAgent_ConcurrentRejectionsShareOneRefresh(t *testing.T) {
	api := &fakeAPI{validToken: "access-1", refreshOK: true, refreshGate: make(chan struct{})}
	agent := newAgent(t, api)
	ctx := context.Background()

	_, err := agent.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	api.expire()

	errs := meConcurrently(t, agent, api, 8)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, "access-2", agent.Token())
}

func TestAgent_ConcurrentRefreshFailureReauthenticatesOnce(t *testing.T) {
	api := &fakeAPI{validToken: "access-1", refreshOK: false, refreshGate: make(chan struct{})}
	var reauth atomic.Int32
	agent := newAgent(t, api, WithReauthenticate(func() { reauth.Add(1) }))
	ctx := context.Background()

	_, err := agent.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	api.expire()

	errs := meConcurrently(t, agent, api, 8)

	for err := range errs {
		assert.True(t, IsUnauthorized(err), "got %v", err)
	}
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, int32(1), reauth.Load())
	assert.Empty(t, agent.Token())
}

func TestAgent_LogoutDropsToken(t *testing.T) {
	api := &fakeAPI{validToken: "access-1", refreshOK: true}
	agent := newAgent(t, api)
	ctx := context.Background()

	_, err := agent.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	require.NoError(t, agent.Logout(ctx))
	assert.Empty(t, agent.Token())

	// the jar no longer holds the refresh cookie
	err = agent.Refresh(ctx)
	assert.True(t, IsUnauthorized(err))
}
