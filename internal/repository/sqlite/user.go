package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/accounts/internal/apperror"
	"github.com/sakif/accounts/internal/model"
	"github.com/sakif/accounts/internal/repository"
)

// compile-time check that *UserDB implements repository.UserRepository
var _ repository.UserRepository = (*UserDB)(nil)

// UserDB is the user store. q is either the pool or a transaction.
// pool is set only when q is the pool; multi-statement writes use it to
// open their own transaction.
type UserDB struct {
	q    querier
	pool *sql.DB
}

const userColumns = `id, email, username, password_hash, refresh_token, is_verified,
	email_verify_token, login_times, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(s rowScanner) (*model.User, error) {
	var (
		u            model.User
		passwordHash sql.NullString
		refreshToken sql.NullString
		verifyToken  sql.NullString
	)
	err := s.Scan(
		&u.ID,
		&u.Email,
		&u.Username,
		&passwordHash,
		&refreshToken,
		&u.IsVerified,
		&verifyToken,
		&u.LoginTimes,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = fromNull(passwordHash)
	u.RefreshToken = fromNull(refreshToken)
	u.EmailVerifyToken = fromNull(verifyToken)
	return &u, nil
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func toNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// findOne runs a single-row lookup on column. label names the lookup in
// the NotFound message; tokens are never echoed back.
func (u *UserDB) findOne(ctx context.Context, column, value, label string) (*model.User, error) {
	row := u.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", label)
		}
		return nil, fmt.Errorf("sqlite: finding user by %s: %w", column, err)
	}
	return user, nil
}

// FindByEmail returns the user registered with email.
func (u *UserDB) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return u.findOne(ctx, "email", email, email)
}

// FindByID returns the user with the given id.
func (u *UserDB) FindByID(ctx context.Context, id string) (*model.User, error) {
	return u.findOne(ctx, "id", id, id)
}

// FindByRefreshToken returns the user whose stored refresh token is exactly token.
func (u *UserDB) FindByRefreshToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, apperror.NotFound("user", "refresh token")
	}
	return u.findOne(ctx, "refresh_token", token, "refresh token")
}

// FindByEmailVerifyToken returns the user holding the verification token.
func (u *UserDB) FindByEmailVerifyToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, apperror.NotFound("user", "verification token")
	}
	return u.findOne(ctx, "email_verify_token", token, "verification token")
}

// Create inserts a new user. ID and timestamps are assigned here and
// written back into user. A taken email returns apperror.ErrConflict.
func (u *UserDB) Create(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.ID = xid.New().String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := u.q.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.Username,
		toNull(user.PasswordHash),
		toNull(user.RefreshToken),
		user.IsVerified,
		toNull(user.EmailVerifyToken),
		user.LoginTimes,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Email)
		}
		return fmt.Errorf("sqlite: inserting user: %w", err)
	}
	return nil
}

// Update writes only the columns set in upd and returns the updated row.
//
// BUILDING THE SET CLAUSE:
// Each Nullable that is Set contributes "column = ?" with either the value
// or NULL. updated_at is always bumped. Column names come from this
// function, never from input, so the concatenation is safe.
func (u *UserDB) Update(ctx context.Context, id string, upd repository.UserUpdate) (*model.User, error) {
	var (
		sets []string
		args []any
	)
	addNullable := func(column string, n repository.Nullable[string]) {
		if !n.Set {
			return
		}
		sets = append(sets, column+" = ?")
		args = append(args, toNull(n.Value))
	}

	addNullable("password_hash", upd.PasswordHash)
	addNullable("refresh_token", upd.RefreshToken)
	addNullable("email_verify_token", upd.EmailVerifyToken)
	if upd.IsVerified != nil {
		sets = append(sets, "is_verified = ?")
		args = append(args, *upd.IsVerified)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	result, err := u.q.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperror.Conflict("user", id)
		}
		return nil, fmt.Errorf("sqlite: updating user %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting rows affected: %w", err)
	}
	if n == 0 {
		return nil, apperror.NotFound("user", id)
	}

	return u.FindByID(ctx, id)
}

// IncrementLoginCounters bumps users.login_times and upserts the
// daily_statistics row for date, both or neither.
//
// ON CONFLICT DO UPDATE:
// The first login of a day inserts (date, 1); later ones hit the primary
// key conflict and increment instead. One statement, no read-then-write race.
func (u *UserDB) IncrementLoginCounters(ctx context.Context, userID, date string) error {
	if u.pool == nil {
		// Already inside a transaction.
		return incrementLoginCounters(ctx, u.q, userID, date)
	}
	return runInTx(ctx, u.pool, func(tx *sql.Tx) error {
		return incrementLoginCounters(ctx, tx, userID, date)
	})
}

func incrementLoginCounters(ctx context.Context, q querier, userID, date string) error {
	result, err := q.ExecContext(ctx,
		`UPDATE users SET login_times = login_times + 1 WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("sqlite: incrementing login times for %s: %w", userID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: getting rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("user", userID)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO daily_statistics (date, login_times) VALUES (?, 1)
		 ON CONFLICT(date) DO UPDATE SET login_times = login_times + 1`, date)
	if err != nil {
		return fmt.Errorf("sqlite: upserting daily statistics for %s: %w", date, err)
	}
	return nil
}

// Count returns the number of registered users.
func (u *UserDB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := u.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: counting users: %w", err)
	}
	return n, nil
}
