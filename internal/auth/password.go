// Package auth: password hashing.
//
// bcrypt is slow on purpose, which is what makes brute-forcing a leaked
// hash expensive. It generates a random salt per call and embeds the salt
// and the cost in its output, so the stored string is self-contained:
//
//	$2a$12$<22-char salt><31-char hash>
//	 ^   ^
//	 |   cost (2^12 rounds)
//	 version
package auth

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// defaultCost is the bcrypt work factor used in production.
// Roughly 250ms per hash on a modern server.
const defaultCost = 12

// MinProductionCost is the lowest cost the config layer accepts.
const MinProductionCost = 10

// maxPasswordBytes is bcrypt's input limit. Longer input would be
// silently truncated.
const maxPasswordBytes = 72

// ErrPasswordTooLong is returned by Hash for input over 72 bytes.
var ErrPasswordTooLong = errors.New("auth: password must be 72 bytes or fewer")

// PasswordService provides bcrypt hashing and verification.
//
// bcrypt is pure CPU work. A burst of logins would otherwise have every
// request goroutine grinding through rounds at once and starving the rest
// of the server, so concurrent hashes are capped by a weighted semaphore.
// Waiting for a slot honours the caller's context.
type PasswordService struct {
	cost  int
	slots *semaphore.Weighted
}

// NewPasswordService creates a PasswordService with the default cost (12)
// and one hashing slot per CPU.
func NewPasswordService() *PasswordService {
	return NewPasswordServiceWithCost(defaultCost, runtime.NumCPU())
}

// NewPasswordServiceWithCost creates a PasswordService with an explicit
// cost and concurrency limit. Tests pass bcrypt.MinCost (4) to keep the
// suite fast; never do that in production.
func NewPasswordServiceWithCost(cost, concurrency int) *PasswordService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &PasswordService{
		cost:  cost,
		slots: semaphore.NewWeighted(int64(concurrency)),
	}
}

// Hash hashes the given plaintext password with bcrypt.
// The result is stored as-is in the users table.
func (p *PasswordService) Hash(ctx context.Context, plaintext string) (string, error) {
	if len(plaintext) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}

	if err := p.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("auth: waiting for hash slot: %w", err)
	}
	defer p.slots.Release(1)

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}

	return string(hashed), nil
}

// Verify reports whether plaintext matches the stored bcrypt hash.
//
// It never returns an error: a malformed or empty hash, or a context that
// was cancelled while waiting for a slot, simply reports false.
// bcrypt.CompareHashAndPassword compares in constant time.
func (p *PasswordService) Verify(ctx context.Context, hash, plaintext string) bool {
	if hash == "" {
		return false
	}

	if err := p.slots.Acquire(ctx, 1); err != nil {
		return false
	}
	defer p.slots.Release(1)

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
