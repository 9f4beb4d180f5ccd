// Package auth provides the credential primitives of the account service:
// JWT signing and verification, bcrypt password hashing, the OAuth identity
// provider and the bearer-token middleware.
//
// TOKEN CLASSES:
// Two classes of token are minted from the same HMAC secret.
//
//   - access:  short-lived (1h by default), sent as "Authorization: Bearer"
//     on every API call. Verified statelessly.
//   - refresh: long-lived (7 days), used only on the refresh endpoint. The
//     server also stores the current one on the user row, so a session can
//     be revoked by overwriting that value.
//
// A "typ" claim records the class. An access token is never accepted where
// a refresh token is expected and vice versa.
//
// JWT STRUCTURE:
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header:  {"alg":"HS256","typ":"JWT"}
//	- Payload: {"username":"n","typ":"access","sub":"<userID>","iat":..,"exp":..,"jti":..}
//	- Signature: HMAC-SHA256(header+"."+payload, secret)
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
)

// TokenClass selects the lifetime of a signed token.
type TokenClass string

const (
	AccessToken  TokenClass = "access"
	RefreshToken TokenClass = "refresh"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "accounts"
	minSecretLength   = 16
)

var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: invalid token")
)

// Subject identifies who a token is issued to.
type Subject struct {
	UserID   string
	Username string
}

// Claims is the verified content of a token.
type Claims struct {
	UserID    string
	Username  string
	Class     TokenClass
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenConfig configures a TokenService. Zero durations and an empty issuer
// fall back to the defaults.
type TokenConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenService handles JWT creation and validation.
//
// The secret is injected at construction. Nothing in this package reads
// it from the environment.
type TokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService creates a TokenService. The secret must be at least 16
// characters; generate one with `openssl rand -hex 32`.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("auth: JWT secret must be at least %d characters", minSecretLength)
	}

	ts := &TokenService{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
	if ts.issuer == "" {
		ts.issuer = DefaultIssuer
	}
	if ts.accessTTL <= 0 {
		ts.accessTTL = DefaultAccessTTL
	}
	if ts.refreshTTL <= 0 {
		ts.refreshTTL = DefaultRefreshTTL
	}
	return ts, nil
}

// claims is the JWT payload: the registered claims plus our two custom ones.
type claims struct {
	Username string     `json:"username"`
	Class    TokenClass `json:"typ"`
	jwt.RegisteredClaims
}

// TTL returns the lifetime of the given class.
func (s *TokenService) TTL(class TokenClass) time.Duration {
	if class == RefreshToken {
		return s.refreshTTL
	}
	return s.accessTTL
}

// Sign creates and signs a token of the given class for subject.
//
// Every token carries a unique jti. Without it, two tokens for the same
// user minted within the same second would be byte-identical, and a
// rotated refresh token would still match the stored one.
func (s *TokenService) Sign(subject Subject, class TokenClass) (string, error) {
	if subject.UserID == "" {
		return "", fmt.Errorf("auth: signing token: empty subject")
	}
	if class != AccessToken && class != RefreshToken {
		return "", fmt.Errorf("auth: signing token: unknown class %q", class)
	}

	now := s.now()
	c := claims{
		Username: subject.Username,
		Class:    class,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        xid.New().String(),
			Subject:   subject.UserID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL(class))),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenStr and checks signature, algorithm, issuer, expiry
// and class. It returns ErrTokenExpired for an expired but otherwise valid
// token and ErrTokenInvalid for everything else.
//
// Passing jwt.WithValidMethods blocks the "alg: none" and algorithm
// confusion tricks.
func (s *TokenService) Verify(tokenStr string, class TokenClass) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: unexpected claims", ErrTokenInvalid)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrTokenInvalid)
	}
	if c.Class != class {
		return nil, fmt.Errorf("%w: got %q token, want %q", ErrTokenInvalid, c.Class, class)
	}

	return &Claims{
		UserID:    c.Subject,
		Username:  c.Username,
		Class:     c.Class,
		ID:        c.ID,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}
