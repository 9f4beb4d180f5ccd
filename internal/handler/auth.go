package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/xid"

	"github.com/sakif/accounts/internal/apperror"
	"github.com/sakif/accounts/internal/auth"
	"github.com/sakif/accounts/internal/model"
	"github.com/sakif/accounts/internal/validate"
)

const (
	stateCookie   = "oauth_state"
	refreshCookie = "refreshToken"
	stateMaxAge   = 600 // seconds
)

// Sessions is what AuthHandler needs from service.SessionManager.
type Sessions interface {
	Login(ctx context.Context, email, password string) (model.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (model.TokenPair, error)
	Logout(ctx context.Context, userID string) error
}

// Identities is what AuthHandler needs from service.IdentityLinker.
type Identities interface {
	Login(ctx context.Context, provider string, profile *auth.ExternalProfile) (model.TokenPair, error)
}

// AuthHandler serves password login, token refresh, logout and the Google
// OAuth redirect flow.
//
// HANDLER RESPONSIBILITIES:
//   - HandleLogin          → email + password for a TokenPair
//   - HandleRefresh        → rotate the pair using the current refresh token
//   - HandleLogout         → revoke the stored refresh token
//   - HandleGoogleLogin    → redirect the browser to Google's consent page
//   - HandleGoogleCallback → exchange the code, link the identity, hand the
//     tokens to the frontend
type AuthHandler struct {
	sessions    Sessions
	identities  Identities
	google      auth.IdentityProvider // nil when Google login is not configured
	validator   *validate.Validator
	frontendURL string
	logger      *slog.Logger
}

// NewAuthHandler creates an AuthHandler. google may be nil, in which case
// the OAuth routes answer 404.
func NewAuthHandler(
	sessions Sessions,
	identities Identities,
	google auth.IdentityProvider,
	validator *validate.Validator,
	frontendURL string,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		sessions:    sessions,
		identities:  identities,
		google:      google,
		validator:   validator,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger,
	}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// HandleLogin authenticates with email and password.
//
// HTTP: POST /api/auth/login  {"email": "...", "password": "..."}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	// Surrounding whitespace is dropped; case is kept.
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	pair, err := h.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// HandleRefresh rotates the session.
//
// HTTP: POST /api/auth/refresh-token
//
// A token in the JSON body {"refreshToken": "..."} wins, since the client
// supplied it explicitly. Without one the refreshToken cookie is used.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, h.logger, err)
		return
	}
	token := req.RefreshToken
	if token == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			token = c.Value
		}
	}

	pair, err := h.sessions.Refresh(r.Context(), token)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// HandleLogout revokes the caller's refresh token.
//
// HTTP: POST /api/auth/logout
// Auth: Required
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperror.Unauthorized("authentication required"))
		return
	}

	if err := h.sessions.Logout(r.Context(), claims.UserID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	// Drop the cookie too, if the client had one.
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, MessageResponse{Message: "logged out"})
}

// HandleGoogleLogin redirects to Google's authorization page.
//
// HTTP: GET /api/auth/google
//
// CSRF PROTECTION VIA STATE:
// A random state is stored in a short-lived HttpOnly cookie and sent to
// Google; the callback only proceeds when the two match.
func (h *AuthHandler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		writeError(w, h.logger, apperror.NotFound("route", r.URL.Path))
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   stateMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.google.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGoogleCallback completes the OAuth flow.
//
// HTTP: GET /api/auth/google/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Check the state against the cookie (CSRF)
//  2. Exchange the code for a Google profile
//  3. Link the profile to a local account and start a session
//  4. Redirect to the frontend with both tokens in the query string
//
// Every failure redirects to the frontend login page with
// error=oauth_failed; the reason only goes to the log.
func (h *AuthHandler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		writeError(w, h.logger, apperror.NotFound("route", r.URL.Path))
		return
	}

	q := r.URL.Query()

	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value == "" || q.Get("state") != c.Value {
		h.logger.Warn("oauth callback: state mismatch")
		h.oauthFailed(w, r)
		return
	}

	// The state is single-use.
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	if errParam := q.Get("error"); errParam != "" {
		h.logger.Info("oauth callback: authorization denied", slog.String("error", errParam))
		h.oauthFailed(w, r)
		return
	}

	code := q.Get("code")
	if code == "" {
		h.logger.Warn("oauth callback: missing code")
		h.oauthFailed(w, r)
		return
	}

	profile, err := h.google.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("oauth callback: exchange failed",
			slog.String("provider", h.google.Name()),
			slog.String("error", err.Error()),
		)
		h.oauthFailed(w, r)
		return
	}

	pair, err := h.identities.Login(r.Context(), h.google.Name(), profile)
	if err != nil {
		h.logger.Error("oauth callback: login failed", slog.String("error", errorDetail(err)))
		h.oauthFailed(w, r)
		return
	}
	if pair.IsZero() {
		h.logger.Warn("oauth callback: no profile returned")
		h.oauthFailed(w, r)
		return
	}

	target := h.frontendURL + "/login/google/callback?" + url.Values{
		"accessToken":  {pair.AccessToken},
		"refreshToken": {pair.RefreshToken},
	}.Encode()
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *AuthHandler) oauthFailed(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.frontendURL+"/login?error=oauth_failed", http.StatusSeeOther)
}
