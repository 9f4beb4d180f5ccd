package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/accounts/internal/config"
	"github.com/sakif/accounts/internal/model"
)

// These tests run the whole stack (router, handlers, services, SQLite in
// memory) with Redis and Google switched off.

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Port:            8080,
		DBPath:          ":memory:",
		JWTSecret:       "integration-secret-0123456789",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: time.Hour,
		BcryptCost:      bcrypt.MinCost,
		HashConcurrency: 2,
		FrontendURL:     "http://front.test",
		BackendURL:      "http://back.test",
	}
	s, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

type client struct {
	t    *testing.T
	base string
	http *http.Client
}

func newClient(t *testing.T, ts *httptest.Server) *client {
	c := ts.Client()
	// Redirects are asserted, not followed.
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &client{t: t, base: ts.URL, http: c}
}

func (c *client) do(method, path, bearer string, body any) (*http.Response, []byte) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	require.NoError(c.t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, out
}

func (c *client) tokens(method, path string, body any) model.TokenPair {
	c.t.Helper()
	resp, out := c.do(method, path, "", body)
	require.Equal(c.t, http.StatusOK, resp.StatusCode, string(out))
	var pair model.TokenPair
	require.NoError(c.t, json.Unmarshal(out, &pair))
	return pair
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, body := newClient(t, ts).do(http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}

func TestSessionLifecycle(t *testing.T) {
	s, ts := newTestServer(t)
	c := newClient(t, ts)

	creds := map[string]string{"email": "Brian@X.com", "password": "passworD123!"}

	resp, body := c.do(http.MethodPost, "/api/users", "", map[string]string{
		"username": "brian", "email": "Brian@X.com", "password": "passworD123!",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.NotContains(t, string(body), "password\":")

	resp, _ = c.do(http.MethodPost, "/api/users", "", map[string]string{
		"username": "again", "email": "Brian@X.com", "password": "passworD123!",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Emails are compared exactly as stored.
	resp, _ = c.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "brian@x.com", "password": "passworD123!"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	first := c.tokens(http.MethodPost, "/api/auth/login", creds)

	resp, body = c.do(http.MethodGet, "/api/users/me", first.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me model.UserProfile
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "Brian@X.com", me.Email)

	// A refresh token is not an access token.
	resp, _ = c.do(http.MethodGet, "/api/users/me", first.RefreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// An access token is not a refresh token.
	resp, _ = c.do(http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refreshToken": first.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	rotated := c.tokens(http.MethodPost, "/api/auth/refresh-token", map[string]string{"refreshToken": first.RefreshToken})
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)

	// The consumed token is dead.
	resp, _ = c.do(http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refreshToken": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/api/auth/logout", rotated.AccessToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refreshToken": rotated.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	s.sessions.Wait()
	resp, body = c.do(http.MethodGet, "/api/users/statistics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats model.UserStatistics
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(1), stats.UsersCount)
	assert.Equal(t, int64(1), stats.TodayLoginTimes)
	assert.Equal(t, float64(1), stats.Last7DaysAvgLoginTimes)

	// The legacy path serves the same numbers.
	resp, legacy := c.do(http.MethodGet, "/api/users/statics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, string(body), string(legacy))
}

func TestLogin_Failures(t *testing.T) {
	_, ts := newTestServer(t)
	c := newClient(t, ts)

	resp, _ := c.do(http.MethodPost, "/api/users", "", map[string]string{
		"username": "brian", "email": "brian@x.com", "password": "passworD123!",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, unknown := c.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "nobody@x.com", "password": "passworD123!"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, wrong := c.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "brian@x.com", "password": "Wrong123!x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.JSONEq(t, string(unknown), string(wrong), "responses must not reveal which emails exist")
}

func TestEmailVerification(t *testing.T) {
	s, ts := newTestServer(t)
	c := newClient(t, ts)

	resp, _ := c.do(http.MethodPost, "/api/users", "", map[string]string{
		"username": "brian", "email": "brian@x.com", "password": "passworD123!",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pair := c.tokens(http.MethodPost, "/api/auth/login", map[string]string{"email": "brian@x.com", "password": "passworD123!"})

	// Without Redis the email is dropped, but the request still succeeds.
	resp, body := c.do(http.MethodPost, "/api/users/send-verify-email", pair.AccessToken, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"message":"Email sent"}`, string(body))

	u, err := s.db.Users().FindByEmail(context.Background(), "brian@x.com")
	require.NoError(t, err)
	require.NotNil(t, u.EmailVerifyToken)

	resp, _ = c.do(http.MethodGet, "/api/users/verify-email/"+*u.EmailVerifyToken, "", nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "http://front.test", resp.Header.Get("Location"))

	resp, _ = c.do(http.MethodGet, "/api/users/verify-email/"+*u.EmailVerifyToken, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "token is single-use")

	resp, _ = c.do(http.MethodPost, "/api/users/send-verify-email", pair.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "already verified")
}

func TestResetPassword(t *testing.T) {
	_, ts := newTestServer(t)
	c := newClient(t, ts)

	resp, _ := c.do(http.MethodPost, "/api/users", "", map[string]string{
		"username": "brian", "email": "brian@x.com", "password": "passworD123!",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pair := c.tokens(http.MethodPost, "/api/auth/login", map[string]string{"email": "brian@x.com", "password": "passworD123!"})

	resp, _ = c.do(http.MethodPatch, "/api/users/reset-password", pair.AccessToken, map[string]string{
		"oldPassword": "passworD123!", "newPassword": "newPassworD1!",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The old session is gone and only the new password works.
	resp, _ = c.do(http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refreshToken": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = c.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "brian@x.com", "password": "passworD123!"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	c.tokens(http.MethodPost, "/api/auth/login", map[string]string{"email": "brian@x.com", "password": "newPassworD1!"})
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	_, ts := newTestServer(t)
	c := newClient(t, ts)

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/users/me"},
		{http.MethodPost, "/api/users/send-verify-email"},
		{http.MethodPatch, "/api/users/reset-password"},
		{http.MethodPost, "/api/auth/logout"},
	} {
		resp, _ := c.do(r.method, r.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, r.path)
	}
}

func TestGoogleDisabled(t *testing.T) {
	_, ts := newTestServer(t)
	resp, _ := newClient(t, ts).do(http.MethodGet, "/api/auth/google", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
