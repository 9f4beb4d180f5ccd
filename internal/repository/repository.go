// Package repository declares the storage contracts the services depend on.
// internal/repository/sqlite is the only implementation; service tests use
// hand-written fakes.
package repository

import (
	"context"

	"github.com/sakif/accounts/internal/model"
)

// Nullable is a three-state field for partial updates: untouched (Set is
// false), set to a value, or set to NULL (Set is true and Value is nil).
type Nullable[T any] struct {
	Value *T
	Set   bool
}

// Value returns a Nullable that writes v.
func Value[T any](v T) Nullable[T] {
	return Nullable[T]{Value: &v, Set: true}
}

// Null returns a Nullable that writes NULL.
func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true}
}

// UserUpdate lists the columns Update may change. Fields left at their
// zero value are not written.
type UserUpdate struct {
	PasswordHash     Nullable[string]
	RefreshToken     Nullable[string]
	EmailVerifyToken Nullable[string]
	IsVerified       *bool
}

// IsEmpty reports whether the update would change nothing.
func (u UserUpdate) IsEmpty() bool {
	return !u.PasswordHash.Set && !u.RefreshToken.Set && !u.EmailVerifyToken.Set && u.IsVerified == nil
}

// UserRepository is the user store gateway.
//
// Lookups return apperror.ErrNotFound when nothing matches. Writes that hit
// a uniqueness constraint return apperror.ErrConflict.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByRefreshToken(ctx context.Context, token string) (*model.User, error)
	FindByEmailVerifyToken(ctx context.Context, token string) (*model.User, error)

	// Create inserts user and fills in its ID and timestamps.
	Create(ctx context.Context, user *model.User) error
	// Update writes the fields set in upd, bumps updated_at and returns the
	// stored row.
	Update(ctx context.Context, id string, upd UserUpdate) (*model.User, error)
	// IncrementLoginCounters adds one to the user's login count and to the
	// daily counter for date (YYYY-MM-DD), atomically.
	IncrementLoginCounters(ctx context.Context, userID, date string) error

	CreateProviderLink(ctx context.Context, link *model.ProviderLink) error
	FindProviderLinks(ctx context.Context, userID string) ([]model.ProviderLink, error)
	// FindProviderLink returns the link holding an external identity, or
	// apperror.ErrNotFound.
	FindProviderLink(ctx context.Context, provider, providerID string) (*model.ProviderLink, error)

	Count(ctx context.Context) (int64, error)
}

// StatisticsRepository reads the daily login aggregates.
type StatisticsRepository interface {
	// GetDailyStatistic returns apperror.ErrNotFound when no one logged in
	// on date.
	GetDailyStatistic(ctx context.Context, date string) (*model.DailyStatistic, error)
	// AverageLoginTimes averages the daily rows with fromDate <= date <= toDate.
	// Days without a row are skipped; no rows at all gives 0.
	AverageLoginTimes(ctx context.Context, fromDate, toDate string) (float64, error)
}

// Transactor runs fn inside a single transaction. fn must do all of its
// work through the repository it is handed. Returning an error rolls back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(UserRepository) error) error
}
