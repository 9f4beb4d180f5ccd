package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/accounts/internal/apperror"
	"github.com/sakif/accounts/internal/model"
)

// CreateProviderLink attaches an external identity to a user.
//
// Both UNIQUE constraints on provider_links surface as apperror.ErrConflict:
// the (provider, provider_id) pair already belongs to someone, or the user
// already has a link for this provider.
func (u *UserDB) CreateProviderLink(ctx context.Context, link *model.ProviderLink) error {
	link.ID = xid.New().String()
	link.CreatedAt = time.Now().UTC()

	_, err := u.q.ExecContext(ctx,
		`INSERT INTO provider_links (id, provider, provider_id, user_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		link.ID,
		link.Provider,
		link.ProviderID,
		link.UserID,
		link.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("provider link", link.Provider+":"+link.ProviderID)
		}
		return fmt.Errorf("sqlite: inserting provider link: %w", err)
	}
	return nil
}

// FindProviderLinks returns every link of a user, oldest first.
// An empty slice (not an error) means the user has none.
func (u *UserDB) FindProviderLinks(ctx context.Context, userID string) ([]model.ProviderLink, error) {
	rows, err := u.q.QueryContext(ctx,
		`SELECT id, provider, provider_id, user_id, created_at
		 FROM provider_links WHERE user_id = ?
		 ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing provider links for %s: %w", userID, err)
	}
	defer rows.Close()

	links := []model.ProviderLink{}
	for rows.Next() {
		var l model.ProviderLink
		if err := rows.Scan(&l.ID, &l.Provider, &l.ProviderID, &l.UserID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning provider link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating provider links: %w", err)
	}
	return links, nil
}

// FindProviderLink returns the link that holds (provider, providerID).
func (u *UserDB) FindProviderLink(ctx context.Context, provider, providerID string) (*model.ProviderLink, error) {
	var l model.ProviderLink
	err := u.q.QueryRowContext(ctx,
		`SELECT id, provider, provider_id, user_id, created_at
		 FROM provider_links WHERE provider = ? AND provider_id = ?`,
		provider, providerID,
	).Scan(&l.ID, &l.Provider, &l.ProviderID, &l.UserID, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("provider link", provider+":"+providerID)
		}
		return nil, fmt.Errorf("sqlite: finding provider link: %w", err)
	}
	return &l, nil
}
