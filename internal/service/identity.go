package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/accounts/internal/apperror"
	"github.com/sakif/accounts/internal/auth"
	"github.com/sakif/accounts/internal/model"
	"github.com/sakif/accounts/internal/repository"
)

// IdentityLinker reconciles an external OAuth identity with a local
// account and then starts a session for it.
//
// ACCOUNTS ARE MERGED BY EMAIL:
// One email is one account regardless of how it signed up. The provider id
// is recorded as a ProviderLink but is not the lookup key.
//
// It works with any auth.IdentityProvider; the provider name is only what
// ends up on the ProviderLink row.
type IdentityLinker struct {
	tx       repository.Transactor
	sessions *SessionManager
	logger   *slog.Logger
}

// NewIdentityLinker creates an IdentityLinker.
func NewIdentityLinker(tx repository.Transactor, sessions *SessionManager, logger *slog.Logger) *IdentityLinker {
	return &IdentityLinker{tx: tx, sessions: sessions, logger: logger}
}

// Login links profile to a local account and returns a new session.
//
//   - nil profile (the upstream handshake produced nothing): zero TokenPair,
//     no error.
//   - no account with that email: create one with no password, verified,
//     plus the ProviderLink.
//   - account exists without a link for this provider: add the link. If the
//     account was unverified, mark it verified AND clear its password. The
//     provider proved ownership of the email, and whoever set that password
//     never did, so the account becomes OAuth-only.
//   - account already linked: nothing to write.
//
// All writes happen in one transaction. The provider-link UNIQUE
// constraints are the last line against duplicate links when two callbacks
// for the same identity race; a conflict there counts as already linked.
//
// Any failure is returned as apperror.AuthOperationFailed.
func (l *IdentityLinker) Login(ctx context.Context, provider string, profile *auth.ExternalProfile) (model.TokenPair, error) {
	if profile == nil {
		return model.TokenPair{}, nil
	}

	email := profile.Email
	if email == "" || profile.ProviderID == "" {
		return model.TokenPair{}, apperror.AuthOperationFailed(
			fmt.Errorf("service/identity: %s profile without email or subject", provider))
	}

	err := l.tx.WithinTx(ctx, func(users repository.UserRepository) error {
		return l.link(ctx, users, provider, email, profile)
	})
	if err != nil {
		l.logger.Error("linking external identity failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return model.TokenPair{}, apperror.AuthOperationFailed(err)
	}

	pair, err := l.sessions.login(ctx, email, "", true)
	if err != nil {
		return model.TokenPair{}, apperror.AuthOperationFailed(err)
	}
	return pair, nil
}

// link runs inside the transaction and must only use users.
func (l *IdentityLinker) link(ctx context.Context, users repository.UserRepository, provider, email string, profile *auth.ExternalProfile) error {
	user, err := users.FindByEmail(ctx, email)
	if errors.Is(err, apperror.ErrNotFound) {
		username := profile.Username
		if username == "" {
			username = email
		}
		user = &model.User{
			Email:      email,
			Username:   username,
			IsVerified: true,
		}
		if err := users.Create(ctx, user); err != nil {
			return fmt.Errorf("service/identity: creating user: %w", err)
		}
		// No conflict tolerance here: an OAuth-only account without its link
		// could never log in again, so the whole transaction is rolled back.
		if err := users.CreateProviderLink(ctx, &model.ProviderLink{
			Provider:   provider,
			ProviderID: profile.ProviderID,
			UserID:     user.ID,
		}); err != nil {
			return fmt.Errorf("service/identity: creating provider link: %w", err)
		}
		l.logger.Info("user registered via OAuth",
			slog.String("userID", user.ID),
			slog.String("provider", provider),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("service/identity: finding user: %w", err)
	}

	links, err := users.FindProviderLinks(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("service/identity: listing provider links: %w", err)
	}
	for _, existing := range links {
		if existing.Provider == provider {
			return nil
		}
	}

	created, err := l.createLink(ctx, users, provider, profile.ProviderID, user.ID)
	if err != nil {
		return err
	}

	// Only an account that now owns a link may lose its password.
	if created && !user.IsVerified {
		verified := true
		if _, err := users.Update(ctx, user.ID, repository.UserUpdate{
			IsVerified:   &verified,
			PasswordHash: repository.Null[string](),
		}); err != nil {
			return fmt.Errorf("service/identity: converting account: %w", err)
		}
		l.logger.Warn("unverified local account converted to OAuth-only",
			slog.String("userID", user.ID),
			slog.String("provider", provider),
		)
	}
	return nil
}

// createLink adds a link to an existing account and reports whether a row
// was written. A uniqueness conflict is not an error: either a concurrent
// callback got there first, or the identity belongs to another account.
// The two are logged apart.
func (l *IdentityLinker) createLink(ctx context.Context, users repository.UserRepository, provider, providerID, userID string) (bool, error) {
	err := users.CreateProviderLink(ctx, &model.ProviderLink{
		Provider:   provider,
		ProviderID: providerID,
		UserID:     userID,
	})
	if errors.Is(err, apperror.ErrConflict) {
		l.logLinkConflict(ctx, users, provider, providerID, userID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("service/identity: creating provider link: %w", err)
	}
	return true, nil
}

func (l *IdentityLinker) logLinkConflict(ctx context.Context, users repository.UserRepository, provider, providerID, userID string) {
	owner, err := users.FindProviderLink(ctx, provider, providerID)
	switch {
	case err != nil:
		// The pair is free, so the conflict is this user's existing link for
		// the provider, or the owner could not be read.
		l.logger.Warn("provider link already exists",
			slog.String("provider", provider),
			slog.String("userID", userID),
		)
	case owner.UserID == userID:
		l.logger.Info("provider link created concurrently",
			slog.String("provider", provider),
			slog.String("userID", userID),
		)
	default:
		l.logger.Warn("provider identity owned by another account",
			slog.String("provider", provider),
			slog.String("userID", userID),
			slog.String("ownerUserID", owner.UserID),
		)
	}
}
