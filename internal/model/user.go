// Package model defines the data structures used throughout the application.
package model

import "time"

// User represents one account.
//
// Nullable columns are pointers. A nil PasswordHash means the account was
// created (or converted) through OAuth and has no local credential, so it
// can never be reached through password login.
//
// RefreshToken holds the single refresh token that is currently valid for
// the account. It is overwritten on every rotation, which invalidates the
// previous one.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Username         string    `json:"username"`
	PasswordHash     *string   `json:"-"`
	RefreshToken     *string   `json:"-"`
	IsVerified       bool      `json:"isVerified"`
	EmailVerifyToken *string   `json:"-"`
	LoginTimes       int64     `json:"loginTimes"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// HasPassword reports whether the account has a local credential.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// Profile returns the public view of the user.
func (u *User) Profile() *UserProfile {
	return &UserProfile{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		LoginTimes:  u.LoginTimes,
		IsVerified:  u.IsVerified,
		HasPassword: u.HasPassword(),
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

// UserProfile is what the API returns for a user. It never carries the
// password hash or any token.
type UserProfile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	LoginTimes  int64     `json:"loginTimes"`
	IsVerified  bool      `json:"isVerified"`
	HasPassword bool      `json:"hasPassword"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ProviderLink binds an external OAuth identity to a local user.
// (Provider, ProviderID) is unique system-wide, and a user has at most one
// link per provider.
type ProviderLink struct {
	ID         string    `json:"id"`
	Provider   string    `json:"oauthProvider"`
	ProviderID string    `json:"oauthProviderId"`
	UserID     string    `json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
}
