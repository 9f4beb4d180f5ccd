// Package service holds the business rules of the account backend.
//
// Services sit between the HTTP handlers and the stores:
//
//	handler (HTTP) → SessionManager / IdentityLinker / UserService → repository (DB)
//	                      ↘ auth.TokenService (JWT), auth.PasswordService (bcrypt)
//
// Services never touch HTTP. Every failure they return is an
// *apperror.AppError (or wraps one), so the handler layer can map it to a
// status code without knowing what went wrong underneath.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/accounts/internal/apperror"
	"github.com/sakif/accounts/internal/auth"
	"github.com/sakif/accounts/internal/model"
	"github.com/sakif/accounts/internal/repository"
)

// statsTimeout bounds one background login-counter update.
const statsTimeout = 5 * time.Second

// SessionManager issues, rotates and revokes sessions.
//
// A session is the refresh token stored on the user row. There is one per
// user: every login or refresh overwrites it, which invalidates the one
// before. Concurrent logins for the same user race on that column and the
// last write wins.
type SessionManager struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger

	now        func() time.Time
	background sync.WaitGroup
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *SessionManager {
	return &SessionManager{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
		now:       time.Now,
	}
}

// Login authenticates with email and password and starts a new session.
// The email must match the stored address exactly, case included.
//
// An unknown email, an account without a local password and a wrong
// password all return the same apperror.InvalidCredentials. Which one it
// was only goes to the log.
func (s *SessionManager) Login(ctx context.Context, email, password string) (model.TokenPair, error) {
	return s.login(ctx, email, password, false)
}

// login is Login with an escape hatch for the OAuth linker: when
// oauthBypass is set the provider has already vouched for the user and the
// password step is skipped.
func (s *SessionManager) login(ctx context.Context, email, password string, oauthBypass bool) (model.TokenPair, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.logger.Info("login rejected", slog.String("reason", "unknown email"))
			return model.TokenPair{}, apperror.InvalidCredentials()
		}
		return model.TokenPair{}, apperror.Internal(fmt.Errorf("service/session: finding user: %w", err))
	}

	if !oauthBypass {
		if !user.HasPassword() {
			s.logger.Info("login rejected",
				slog.String("reason", "no local password"),
				slog.String("userID", user.ID),
			)
			return model.TokenPair{}, apperror.InvalidCredentials()
		}
		if !s.passwords.Verify(ctx, *user.PasswordHash, password) {
			s.logger.Info("login rejected",
				slog.String("reason", "password mismatch"),
				slog.String("userID", user.ID),
			)
			return model.TokenPair{}, apperror.InvalidCredentials()
		}
	}

	pair, err := s.rotate(ctx, user)
	if err != nil {
		return model.TokenPair{}, err
	}

	s.recordLogin(ctx, user.ID)

	s.logger.Info("user logged in",
		slog.String("userID", user.ID),
		slog.Bool("oauth", oauthBypass),
	)
	return pair, nil
}

// GenerateAndRotateTokens issues a fresh pair for an already-authenticated
// user and stores the new refresh token.
//
// A missing user here means the account vanished after authentication,
// which is an internal error rather than a 404.
func (s *SessionManager) GenerateAndRotateTokens(ctx context.Context, userID string) (model.TokenPair, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return model.TokenPair{}, apperror.Internal(fmt.Errorf("service/session: loading user %s: %w", userID, err))
	}
	return s.rotate(ctx, user)
}

// rotate signs both tokens and persists the refresh token, replacing any
// previous one. This is the point where older refresh tokens stop working.
func (s *SessionManager) rotate(ctx context.Context, user *model.User) (model.TokenPair, error) {
	subject := auth.Subject{UserID: user.ID, Username: user.Username}

	// The two signatures are independent.
	var pair model.TokenPair
	var g errgroup.Group
	g.Go(func() error {
		tok, err := s.tokens.Sign(subject, auth.AccessToken)
		pair.AccessToken = tok
		return err
	})
	g.Go(func() error {
		tok, err := s.tokens.Sign(subject, auth.RefreshToken)
		pair.RefreshToken = tok
		return err
	})
	if err := g.Wait(); err != nil {
		return model.TokenPair{}, apperror.Internal(fmt.Errorf("service/session: signing tokens: %w", err))
	}

	if _, err := s.users.Update(ctx, user.ID, repository.UserUpdate{
		RefreshToken: repository.Value(pair.RefreshToken),
	}); err != nil {
		return model.TokenPair{}, apperror.Internal(fmt.Errorf("service/session: storing refresh token: %w", err))
	}

	return pair, nil
}

// Refresh exchanges the current refresh token for a new pair. Both tokens
// are rotated, so the presented one is dead once this returns.
//
// The token must verify as an unexpired refresh-class JWT and must equal
// the value stored on the user row. Anything else (forged, expired,
// superseded by a later login or refresh, revoked by logout) returns
// apperror.InvalidRefreshToken.
func (s *SessionManager) Refresh(ctx context.Context, presented string) (model.TokenPair, error) {
	if presented == "" {
		return model.TokenPair{}, apperror.InvalidRefreshToken()
	}

	claims, err := s.tokens.Verify(presented, auth.RefreshToken)
	if err != nil {
		s.logger.Info("refresh rejected", slog.String("reason", err.Error()))
		return model.TokenPair{}, apperror.InvalidRefreshToken()
	}

	user, err := s.users.FindByRefreshToken(ctx, presented)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			// A correctly signed token nobody holds any more: either replayed
			// after rotation or revoked by logout.
			s.logger.Warn("refresh rejected",
				slog.String("reason", "token superseded"),
				slog.String("userID", claims.UserID),
			)
			return model.TokenPair{}, apperror.InvalidRefreshToken()
		}
		return model.TokenPair{}, apperror.Internal(fmt.Errorf("service/session: finding refresh token: %w", err))
	}

	if user.ID != claims.UserID {
		s.logger.Warn("refresh rejected",
			slog.String("reason", "subject mismatch"),
			slog.String("userID", user.ID),
		)
		return model.TokenPair{}, apperror.InvalidRefreshToken()
	}

	return s.rotate(ctx, user)
}

// Logout revokes the user's session by clearing the stored refresh token.
// Access tokens already issued stay valid until they expire.
func (s *SessionManager) Logout(ctx context.Context, userID string) error {
	if _, err := s.users.Update(ctx, userID, repository.UserUpdate{
		RefreshToken: repository.Null[string](),
	}); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return err
		}
		return apperror.Internal(fmt.Errorf("service/session: clearing refresh token: %w", err))
	}

	s.logger.Info("user logged out", slog.String("userID", userID))
	return nil
}

// recordLogin bumps the login counters for today (UTC) in the background.
//
// The login response does not wait for it and a failure is only logged.
// The task outlives the request, so it runs on a context that keeps the
// request's values but not its cancellation, with its own timeout.
func (s *SessionManager) recordLogin(ctx context.Context, userID string) {
	date := s.now().UTC().Format(model.DateLayout)
	ctx = context.WithoutCancel(ctx)

	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(ctx, statsTimeout)
		defer cancel()

		if err := s.users.IncrementLoginCounters(ctx, userID, date); err != nil {
			s.logger.Warn("updating login counters failed",
				slog.String("userID", userID),
				slog.String("date", date),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until every background counter update has finished.
// The server calls it during shutdown.
func (s *SessionManager) Wait() {
	s.background.Wait()
}
