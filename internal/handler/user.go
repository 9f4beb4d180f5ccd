package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/accounts/internal/apperror"
	"github.com/sakif/accounts/internal/auth"
	"github.com/sakif/accounts/internal/model"
	"github.com/sakif/accounts/internal/service"
	"github.com/sakif/accounts/internal/validate"
)

// Users is what UserHandler needs from service.UserService.
type Users interface {
	Register(ctx context.Context, in service.RegisterInput) (*model.UserProfile, error)
	Profile(ctx context.Context, userID string) (*model.UserProfile, error)
	SendVerificationEmail(ctx context.Context, userID string) error
	VerifyEmail(ctx context.Context, token string) error
	ResetPassword(ctx context.Context, in service.ResetPasswordInput) (*model.UserProfile, error)
	Statistics(ctx context.Context) (*model.UserStatistics, error)
}

// UserHandler serves the /users routes.
type UserHandler struct {
	users       Users
	validator   *validate.Validator
	frontendURL string
	logger      *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users Users, validator *validate.Validator, frontendURL string, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		users:       users,
		validator:   validator,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger,
	}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,strongpassword"`
}

type resetPasswordRequest struct {
	OldPassword string `json:"oldPassword" validate:"strongpassword"`
	NewPassword string `json:"newPassword" validate:"required,strongpassword"`
}

// HandleRegister creates an account.
//
// HTTP: POST /api/users
func (h *UserHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	profile, err := h.users.Register(r.Context(), service.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// HandleMe returns the caller's profile.
//
// HTTP: GET /api/users/me
// Auth: Required
func (h *UserHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	profile, err := h.users.Profile(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// HandleSendVerifyEmail queues a verification email for the caller.
//
// HTTP: POST /api/users/send-verify-email
// Auth: Required
//
// 202: the email is queued, not yet delivered.
func (h *UserHandler) HandleSendVerifyEmail(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	if err := h.users.SendVerificationEmail(r.Context(), claims.UserID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, MessageResponse{Message: "Email sent"})
}

// HandleVerifyEmail consumes a verification token from the emailed link and
// sends the browser on to the frontend.
//
// HTTP: GET /api/users/verify-email/{token}
func (h *UserHandler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if err := h.users.VerifyEmail(r.Context(), token); err != nil {
		writeError(w, h.logger, err)
		return
	}
	http.Redirect(w, r, h.frontendURL, http.StatusSeeOther)
}

// HandleResetPassword changes the caller's password.
//
// HTTP: PATCH /api/users/reset-password
// Auth: Required
func (h *UserHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	var req resetPasswordRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	profile, err := h.users.ResetPassword(r.Context(), service.ResetPasswordInput{
		UserID:      claims.UserID,
		OldPassword: req.OldPassword,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// HandleStatistics returns the login dashboard numbers.
//
// HTTP: GET /api/users/statistics
func (h *UserHandler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.users.Statistics(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// claims fetches the authenticated caller. RequireAuth guarantees them on
// protected routes; a miss still answers 401 rather than panicking.
func (h *UserHandler) claims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperror.Unauthorized("authentication required"))
		return nil, false
	}
	return claims, true
}
