package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/accounts/internal/apperror"
	"github.com/sakif/accounts/internal/auth"
	"github.com/sakif/accounts/internal/handler"
	"github.com/sakif/accounts/internal/model"
	"github.com/sakif/accounts/internal/validate"
)

// MockSessions records what the handler passed in and returns canned
// results.
type MockSessions struct {
	GotEmail, GotPassword string
	GotRefresh            string
	GotLogout             string
	ReturnPair            model.TokenPair
	ReturnErr             error
}

func (m *MockSessions) Login(_ context.Context, email, password string) (model.TokenPair, error) {
	m.GotEmail, m.GotPassword = email, password
	return m.ReturnPair, m.ReturnErr
}

func (m *MockSessions) Refresh(_ context.Context, token string) (model.TokenPair, error) {
	m.GotRefresh = token
	return m.ReturnPair, m.ReturnErr
}

func (m *MockSessions) Logout(_ context.Context, userID string) error {
	m.GotLogout = userID
	return m.ReturnErr
}

type MockIdentities struct {
	GotProvider string
	GotProfile  *auth.ExternalProfile
	ReturnPair  model.TokenPair
	ReturnErr   error
}

func (m *MockIdentities) Login(_ context.Context, provider string, profile *auth.ExternalProfile) (model.TokenPair, error) {
	m.GotProvider, m.GotProfile = provider, profile
	return m.ReturnPair, m.ReturnErr
}

type MockProvider struct {
	GotState   string
	GotCode    string
	ReturnProf *auth.ExternalProfile
	ReturnErr  error
}

func (m *MockProvider) Name() string { return auth.ProviderGoogle }

func (m *MockProvider) AuthURL(state string) string {
	m.GotState = state
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (m *MockProvider) Exchange(_ context.Context, code string) (*auth.ExternalProfile, error) {
	m.GotCode = code
	return m.ReturnProf, m.ReturnErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const frontend = "http://front.test"

var testPair = model.TokenPair{AccessToken: "acc", RefreshToken: "ref"}

func newAuthHandler(s *MockSessions, i *MockIdentities, p auth.IdentityProvider) *handler.AuthHandler {
	return handler.NewAuthHandler(s, i, p, validate.New(), frontend+"/", testLogger())
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var body handler.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func withClaims(r *http.Request, userID string) *http.Request {
	return r.WithContext(auth.WithClaims(r.Context(), &auth.Claims{UserID: userID, Class: auth.AccessToken}))
}

func TestAuthHandler_HandleLogin(t *testing.T) {
	t.Run("valid credentials", func(t *testing.T) {
		s := &MockSessions{ReturnPair: testPair}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			bytes.NewBufferString(`{"email":"a@x.com","password":"passworD123!"}`))
		rr := httptest.NewRecorder()
		h.HandleLogin(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		var pair model.TokenPair
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&pair))
		assert.Equal(t, testPair, pair)
		assert.Equal(t, "a@x.com", s.GotEmail)
		assert.Equal(t, "passworD123!", s.GotPassword)
	})

	t.Run("email whitespace trimmed, case kept", func(t *testing.T) {
		s := &MockSessions{ReturnPair: testPair}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			bytes.NewBufferString(`{"email":"  Bob@X.com ","password":"passworD123!"}`))
		rr := httptest.NewRecorder()
		h.HandleLogin(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "Bob@X.com", s.GotEmail)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		s := &MockSessions{ReturnErr: apperror.InvalidCredentials()}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			bytes.NewBufferString(`{"email":"a@x.com","password":"nope"}`))
		rr := httptest.NewRecorder()
		h.HandleLogin(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		body := decodeError(t, rr)
		assert.Equal(t, "unauthorized", body.Error)
		assert.Equal(t, "invalid email or password", body.Message)
	})

	t.Run("missing password", func(t *testing.T) {
		s := &MockSessions{}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(`{"email":"a@x.com"}`))
		rr := httptest.NewRecorder()
		h.HandleLogin(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "password", decodeError(t, rr).Field)
		assert.Empty(t, s.GotEmail, "service must not be called")
	})

	t.Run("malformed body", func(t *testing.T) {
		h := newAuthHandler(&MockSessions{}, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(`{"email":`))
		rr := httptest.NewRecorder()
		h.HandleLogin(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("internal error is not leaked", func(t *testing.T) {
		s := &MockSessions{ReturnErr: apperror.Internal(errors.New("SELECT * FROM users exploded"))}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			bytes.NewBufferString(`{"email":"a@x.com","password":"x"}`))
		rr := httptest.NewRecorder()
		h.HandleLogin(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "SELECT")
	})
}

func TestAuthHandler_HandleRefresh(t *testing.T) {
	t.Run("from cookie", func(t *testing.T) {
		s := &MockSessions{ReturnPair: testPair}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh-token", nil)
		req.AddCookie(&http.Cookie{Name: "refreshToken", Value: "cookie-token"})
		rr := httptest.NewRecorder()
		h.HandleRefresh(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "cookie-token", s.GotRefresh)
	})

	t.Run("from body", func(t *testing.T) {
		s := &MockSessions{ReturnPair: testPair}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh-token",
			bytes.NewBufferString(`{"refreshToken":"body-token"}`))
		rr := httptest.NewRecorder()
		h.HandleRefresh(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "body-token", s.GotRefresh)
	})

	t.Run("body wins over stale cookie", func(t *testing.T) {
		s := &MockSessions{ReturnPair: testPair}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh-token",
			bytes.NewBufferString(`{"refreshToken":"body-token"}`))
		req.AddCookie(&http.Cookie{Name: "refreshToken", Value: "stale-cookie-token"})
		rr := httptest.NewRecorder()
		h.HandleRefresh(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "body-token", s.GotRefresh)
	})

	t.Run("cookie used when body has no token", func(t *testing.T) {
		s := &MockSessions{ReturnPair: testPair}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh-token", bytes.NewBufferString(`{}`))
		req.AddCookie(&http.Cookie{Name: "refreshToken", Value: "cookie-token"})
		rr := httptest.NewRecorder()
		h.HandleRefresh(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "cookie-token", s.GotRefresh)
	})

	t.Run("no token anywhere", func(t *testing.T) {
		s := &MockSessions{ReturnErr: apperror.InvalidRefreshToken()}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh-token", nil)
		rr := httptest.NewRecorder()
		h.HandleRefresh(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "invalid refresh token", decodeError(t, rr).Message)
		assert.Empty(t, s.GotRefresh)
	})
}

func TestAuthHandler_HandleLogout(t *testing.T) {
	t.Run("authenticated", func(t *testing.T) {
		s := &MockSessions{}
		h := newAuthHandler(s, &MockIdentities{}, nil)

		req := withClaims(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil), "user-1")
		rr := httptest.NewRecorder()
		h.HandleLogout(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"message":"logged out"}`, rr.Body.String())
		assert.Equal(t, "user-1", s.GotLogout)
	})

	t.Run("anonymous", func(t *testing.T) {
		h := newAuthHandler(&MockSessions{}, &MockIdentities{}, nil)

		rr := httptest.NewRecorder()
		h.HandleLogout(rr, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestAuthHandler_HandleGoogleLogin(t *testing.T) {
	p := &MockProvider{}
	h := newAuthHandler(&MockSessions{}, &MockIdentities{}, p)

	rr := httptest.NewRecorder()
	h.HandleGoogleLogin(rr, httptest.NewRequest(http.MethodGet, "/api/auth/google", nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	require.NotEmpty(t, p.GotState)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "oauth_state", cookies[0].Name)
	assert.Equal(t, p.GotState, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Contains(t, rr.Header().Get("Location"), "state="+p.GotState)
}

func TestAuthHandler_GoogleDisabled(t *testing.T) {
	h := newAuthHandler(&MockSessions{}, &MockIdentities{}, nil)

	rr := httptest.NewRecorder()
	h.HandleGoogleLogin(rr, httptest.NewRequest(http.MethodGet, "/api/auth/google", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.HandleGoogleCallback(rr, httptest.NewRequest(http.MethodGet, "/api/auth/google/callback", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func callbackRequest(query, cookieState string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?"+query, nil)
	if cookieState != "" {
		req.AddCookie(&http.Cookie{Name: "oauth_state", Value: cookieState})
	}
	return req
}

func TestAuthHandler_HandleGoogleCallback(t *testing.T) {
	profile := &auth.ExternalProfile{ProviderID: "sub", Email: "a@x.com"}

	t.Run("success", func(t *testing.T) {
		p := &MockProvider{ReturnProf: profile}
		i := &MockIdentities{ReturnPair: model.TokenPair{AccessToken: "a+b", RefreshToken: "r&s"}}
		h := newAuthHandler(&MockSessions{}, i, p)

		rr := httptest.NewRecorder()
		h.HandleGoogleCallback(rr, callbackRequest("state=xyz&code=the-code", "xyz"))

		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "the-code", p.GotCode)
		assert.Equal(t, auth.ProviderGoogle, i.GotProvider)
		assert.Same(t, profile, i.GotProfile)

		loc, err := url.Parse(rr.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "front.test", loc.Host)
		assert.Equal(t, "/login/google/callback", loc.Path)
		assert.Equal(t, "a+b", loc.Query().Get("accessToken"))
		assert.Equal(t, "r&s", loc.Query().Get("refreshToken"))
	})

	failures := []struct {
		name   string
		query  string
		cookie string
		prov   *MockProvider
		ident  *MockIdentities
	}{
		{"missing state cookie", "state=xyz&code=c", "", &MockProvider{ReturnProf: profile}, &MockIdentities{ReturnPair: testPair}},
		{"state mismatch", "state=abc&code=c", "xyz", &MockProvider{ReturnProf: profile}, &MockIdentities{ReturnPair: testPair}},
		{"user denied", "state=xyz&error=access_denied", "xyz", &MockProvider{}, &MockIdentities{}},
		{"missing code", "state=xyz", "xyz", &MockProvider{}, &MockIdentities{}},
		{"exchange fails", "state=xyz&code=c", "xyz", &MockProvider{ReturnErr: errors.New("bad code")}, &MockIdentities{}},
		{"link fails", "state=xyz&code=c", "xyz", &MockProvider{ReturnProf: profile}, &MockIdentities{ReturnErr: apperror.AuthOperationFailed(errors.New("db"))}},
		{"no profile", "state=xyz&code=c", "xyz", &MockProvider{}, &MockIdentities{}},
	}

	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			h := newAuthHandler(&MockSessions{}, tt.ident, tt.prov)

			rr := httptest.NewRecorder()
			h.HandleGoogleCallback(rr, callbackRequest(tt.query, tt.cookie))

			assert.Equal(t, http.StatusSeeOther, rr.Code)
			assert.Equal(t, frontend+"/login?error=oauth_failed", rr.Header().Get("Location"))
		})
	}
}
