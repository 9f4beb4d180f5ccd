package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/accounts/internal/apperror"
	"github.com/sakif/accounts/internal/auth"
	"github.com/sakif/accounts/internal/mail"
	"github.com/sakif/accounts/internal/model"
	"github.com/sakif/accounts/internal/repository"
)

// statisticsWindow is the number of days averaged, today included.
const statisticsWindow = 7

// RegisterInput is a validated registration request.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// ResetPasswordInput is a validated password change for UserID.
// OldPassword is ignored for accounts that have no password yet.
type ResetPasswordInput struct {
	UserID      string
	OldPassword string
	NewPassword string
}

// UserService handles registration, profile, email verification, password
// reset and statistics.
type UserService struct {
	users     repository.UserRepository
	stats     repository.StatisticsRepository
	passwords *auth.PasswordService
	mailer    mail.Enqueuer
	logger    *slog.Logger

	now      func() time.Time
	newToken func() string
}

// NewUserService creates a UserService.
func NewUserService(
	users repository.UserRepository,
	stats repository.StatisticsRepository,
	passwords *auth.PasswordService,
	mailer mail.Enqueuer,
	logger *slog.Logger,
) *UserService {
	return &UserService{
		users:     users,
		stats:     stats,
		passwords: passwords,
		mailer:    mailer,
		logger:    logger,
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

// Register creates a local-password account. The email is stored as given;
// addresses that differ only in case are different accounts. The account
// starts unverified, with a fresh email verification token.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*model.UserProfile, error) {
	email := in.Email

	_, err := s.users.FindByEmail(ctx, email)
	if err == nil {
		return nil, apperror.EmailTaken()
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.Internal(fmt.Errorf("service/users: checking email: %w", err))
	}

	hash, err := s.passwords.Hash(ctx, in.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return nil, apperror.ValidationFailed("password", "password must be 72 bytes or fewer")
		}
		return nil, apperror.Internal(fmt.Errorf("service/users: hashing password: %w", err))
	}

	token := s.newToken()
	user := &model.User{
		Email:            email,
		Username:         in.Username,
		PasswordHash:     &hash,
		EmailVerifyToken: &token,
	}
	if err := s.users.Create(ctx, user); err != nil {
		// Lost a race with a concurrent registration.
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.EmailTaken()
		}
		return nil, apperror.Internal(fmt.Errorf("service/users: creating user: %w", err))
	}

	s.logger.Info("user registered", slog.String("userID", user.ID))
	return user.Profile(), nil
}

// Profile returns the public view of the user.
func (s *UserService) Profile(ctx context.Context, userID string) (*model.UserProfile, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Profile(), nil
}

// findUser passes NotFound through and wraps anything else as internal.
func (s *UserService) findUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
		return nil, apperror.Internal(fmt.Errorf("service/users: loading user %s: %w", userID, err))
	}
	return user, nil
}

// SendVerificationEmail queues a verification email for the user.
//
// A verified account gets apperror.EmailAlreadyVerified on every call and
// nothing is queued. An account whose token was never minted gets one now.
func (s *UserService) SendVerificationEmail(ctx context.Context, userID string) error {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsVerified {
		return apperror.EmailAlreadyVerified()
	}

	token := ""
	if user.EmailVerifyToken != nil {
		token = *user.EmailVerifyToken
	}
	if token == "" {
		token = s.newToken()
		if _, err := s.users.Update(ctx, user.ID, repository.UserUpdate{
			EmailVerifyToken: repository.Value(token),
		}); err != nil {
			return apperror.Internal(fmt.Errorf("service/users: storing verification token: %w", err))
		}
	}

	if err := s.mailer.EnqueueVerification(ctx, mail.VerificationPayload{
		Email:            user.Email,
		Username:         user.Username,
		EmailVerifyToken: token,
	}); err != nil {
		return apperror.Internal(fmt.Errorf("service/users: queueing verification email: %w", err))
	}
	return nil
}

// VerifyEmail consumes a verification token: the account is marked verified
// and the token cleared, so a second use fails.
func (s *UserService) VerifyEmail(ctx context.Context, token string) error {
	user, err := s.users.FindByEmailVerifyToken(ctx, token)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.ValidationFailed("token", "invalid token")
		}
		return apperror.Internal(fmt.Errorf("service/users: finding verification token: %w", err))
	}

	verified := true
	if _, err := s.users.Update(ctx, user.ID, repository.UserUpdate{
		IsVerified:       &verified,
		EmailVerifyToken: repository.Null[string](),
	}); err != nil {
		return apperror.Internal(fmt.Errorf("service/users: marking email verified: %w", err))
	}

	s.logger.Info("email verified", slog.String("userID", user.ID))
	return nil
}

// ResetPassword changes the user's password.
//
// With an existing password the old one must match and the new one must
// differ from it. An OAuth-only account sets its first password without
// one. Either way the stored refresh token is cleared, so other sessions
// have to log in again.
func (s *UserService) ResetPassword(ctx context.Context, in ResetPasswordInput) (*model.UserProfile, error) {
	user, err := s.findUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	if user.HasPassword() {
		if !s.passwords.Verify(ctx, *user.PasswordHash, in.OldPassword) {
			return nil, apperror.ValidationFailed("oldPassword", "invalid old password")
		}
		if s.passwords.Verify(ctx, *user.PasswordHash, in.NewPassword) {
			return nil, apperror.ValidationFailed("newPassword", "new password cannot be same as old password")
		}
	}

	hash, err := s.passwords.Hash(ctx, in.NewPassword)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return nil, apperror.ValidationFailed("newPassword", "password must be 72 bytes or fewer")
		}
		return nil, apperror.Internal(fmt.Errorf("service/users: hashing password: %w", err))
	}

	updated, err := s.users.Update(ctx, user.ID, repository.UserUpdate{
		PasswordHash: repository.Value(hash),
		RefreshToken: repository.Null[string](),
	})
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("service/users: storing password: %w", err))
	}

	s.logger.Info("password changed", slog.String("userID", user.ID))
	return updated.Profile(), nil
}

// Statistics returns the user count, today's logins and the average daily
// logins over the last 7 days (today included, UTC). Days nobody logged in
// have no row and are left out of the average.
func (s *UserService) Statistics(ctx context.Context) (*model.UserStatistics, error) {
	count, err := s.users.Count(ctx)
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("service/users: counting users: %w", err))
	}

	now := s.now().UTC()
	today := now.Format(model.DateLayout)
	from := now.AddDate(0, 0, -(statisticsWindow - 1)).Format(model.DateLayout)

	var todayLogins int64
	daily, err := s.stats.GetDailyStatistic(ctx, today)
	switch {
	case err == nil:
		todayLogins = daily.LoginTimes
	case errors.Is(err, apperror.ErrNotFound):
	default:
		return nil, apperror.Internal(fmt.Errorf("service/users: reading today's statistic: %w", err))
	}

	avg, err := s.stats.AverageLoginTimes(ctx, from, today)
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("service/users: averaging login times: %w", err))
	}

	return &model.UserStatistics{
		UsersCount:             count,
		TodayLoginTimes:        todayLogins,
		Last7DaysAvgLoginTimes: avg,
	}, nil
}
