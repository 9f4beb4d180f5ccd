package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/accounts/internal/apperror"
	"github.com/sakif/accounts/internal/auth"
	"github.com/sakif/accounts/internal/mail"
	"github.com/sakif/accounts/internal/model"
	"github.com/sakif/accounts/internal/repository"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory repository.UserRepository. It enforces the
// same uniqueness rules as the SQLite schema and hands out copies, so a
// test can never mutate stored state by accident.
//
// The mutex matters: login counters are bumped from a background goroutine.
type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[string]*model.User
	links  []model.ProviderLink
	daily  map[string]int64
	nextID int

	// set to a non-nil error to simulate a database failure
	findErr      error
	createErr    error
	updateErr    error
	linkErr      error
	countersErr  error
	countErr     error
	counterCalls int
}

var (
	_ repository.UserRepository       = (*fakeUserRepo)(nil)
	_ repository.Transactor           = (*fakeTx)(nil)
	_ repository.StatisticsRepository = (*fakeStats)(nil)
	_ mail.Enqueuer                   = (*fakeEnqueuer)(nil)
)

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users: make(map[string]*model.User),
		daily: make(map[string]int64),
	}
}

func copyUser(u *model.User) *model.User {
	c := *u
	return &c
}

func (f *fakeUserRepo) findBy(match func(*model.User) bool) (*model.User, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, u := range f.users {
		if match(u) {
			return copyUser(u), nil
		}
	}
	return nil, apperror.NotFound("user", "")
}

func (f *fakeUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findBy(func(u *model.User) bool { return u.Email == email })
}

func (f *fakeUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findBy(func(u *model.User) bool { return u.ID == id })
}

func (f *fakeUserRepo) FindByRefreshToken(_ context.Context, token string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findBy(func(u *model.User) bool {
		return token != "" && u.RefreshToken != nil && *u.RefreshToken == token
	})
}

func (f *fakeUserRepo) FindByEmailVerifyToken(_ context.Context, token string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findBy(func(u *model.User) bool {
		return token != "" && u.EmailVerifyToken != nil && *u.EmailVerifyToken == token
	})
}

func (f *fakeUserRepo) Create(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, u := range f.users {
		if u.Email == user.Email {
			return apperror.Conflict("user", user.Email)
		}
	}
	f.nextID++
	user.ID = fmt.Sprintf("user-%d", f.nextID)
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	f.users[user.ID] = copyUser(user)
	return nil
}

func (f *fakeUserRepo) Update(_ context.Context, id string, upd repository.UserUpdate) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	if upd.PasswordHash.Set {
		u.PasswordHash = upd.PasswordHash.Value
	}
	if upd.RefreshToken.Set {
		u.RefreshToken = upd.RefreshToken.Value
	}
	if upd.EmailVerifyToken.Set {
		u.EmailVerifyToken = upd.EmailVerifyToken.Value
	}
	if upd.IsVerified != nil {
		u.IsVerified = *upd.IsVerified
	}
	u.UpdatedAt = time.Now().UTC()
	return copyUser(u), nil
}

func (f *fakeUserRepo) IncrementLoginCounters(_ context.Context, userID, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counterCalls++
	if f.countersErr != nil {
		return f.countersErr
	}
	u, ok := f.users[userID]
	if !ok {
		return apperror.NotFound("user", userID)
	}
	u.LoginTimes++
	f.daily[date]++
	return nil
}

func (f *fakeUserRepo) CreateProviderLink(_ context.Context, link *model.ProviderLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return f.linkErr
	}
	for _, l := range f.links {
		if (l.Provider == link.Provider && l.ProviderID == link.ProviderID) ||
			(l.UserID == link.UserID && l.Provider == link.Provider) {
			return apperror.Conflict("provider link", link.ProviderID)
		}
	}
	link.ID = fmt.Sprintf("link-%d", len(f.links)+1)
	link.CreatedAt = time.Now().UTC()
	f.links = append(f.links, *link)
	return nil
}

func (f *fakeUserRepo) FindProviderLinks(_ context.Context, userID string) ([]model.ProviderLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.ProviderLink{}
	for _, l := range f.links {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeUserRepo) FindProviderLink(_ context.Context, provider, providerID string) (*model.ProviderLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links {
		if l.Provider == provider && l.ProviderID == providerID {
			return &l, nil
		}
	}
	return nil, apperror.NotFound("provider link", providerID)
}

func (f *fakeUserRepo) Count(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return int64(len(f.users)), nil
}

// stored returns a copy of the row as the store holds it.
func (f *fakeUserRepo) stored(t *testing.T, id string) *model.User {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		t.Fatalf("user %s not stored", id)
	}
	return copyUser(u)
}

func (f *fakeUserRepo) linkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

// fakeTx runs fn against the fake repo and restores the previous state if
// fn fails, which is all the rollback the tests need.
type fakeTx struct {
	repo *fakeUserRepo
	err  error // returned without running fn
}

func (tx *fakeTx) WithinTx(ctx context.Context, fn func(repository.UserRepository) error) error {
	if tx.err != nil {
		return tx.err
	}

	tx.repo.mu.Lock()
	users := make(map[string]*model.User, len(tx.repo.users))
	for id, u := range tx.repo.users {
		users[id] = copyUser(u)
	}
	links := append([]model.ProviderLink(nil), tx.repo.links...)
	nextID := tx.repo.nextID
	tx.repo.mu.Unlock()

	if err := fn(tx.repo); err != nil {
		tx.repo.mu.Lock()
		tx.repo.users, tx.repo.links, tx.repo.nextID = users, links, nextID
		tx.repo.mu.Unlock()
		return err
	}
	return nil
}

// fakeStats is a repository.StatisticsRepository over a fixed map.
type fakeStats struct {
	daily  map[string]int64
	getErr error
	avgErr error

	gotFrom, gotTo string
}

func (f *fakeStats) GetDailyStatistic(_ context.Context, date string) (*model.DailyStatistic, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	n, ok := f.daily[date]
	if !ok {
		return nil, apperror.NotFound("daily statistic", date)
	}
	return &model.DailyStatistic{Date: date, LoginTimes: n}, nil
}

func (f *fakeStats) AverageLoginTimes(_ context.Context, from, to string) (float64, error) {
	f.gotFrom, f.gotTo = from, to
	if f.avgErr != nil {
		return 0, f.avgErr
	}
	var sum, rows int64
	for date, n := range f.daily {
		if date >= from && date <= to {
			sum += n
			rows++
		}
	}
	if rows == 0 {
		return 0, nil
	}
	return float64(sum) / float64(rows), nil
}

// fakeEnqueuer records queued verification payloads.
type fakeEnqueuer struct {
	mu     sync.Mutex
	queued []mail.VerificationPayload
	err    error
}

func (f *fakeEnqueuer) EnqueueVerification(_ context.Context, p mail.VerificationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.queued = append(f.queued, p)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPasswords() *auth.PasswordService {
	return auth.NewPasswordServiceWithCost(bcrypt.MinCost, 4)
}

func newTestTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	ts, err := auth.NewTokenService(auth.TokenConfig{Secret: "test-secret-at-least-16-chars"})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

func newTestSessions(t *testing.T, repo *fakeUserRepo) *SessionManager {
	t.Helper()
	s := NewSessionManager(repo, newTestTokens(t), newTestPasswords(), discardLogger())
	t.Cleanup(s.Wait)
	return s
}

// seedUser stores a user directly. An empty password leaves the account
// without a local credential.
func seedUser(t *testing.T, repo *fakeUserRepo, email, password string, verified bool) *model.User {
	t.Helper()
	u := &model.User{Email: email, Username: "alice", IsVerified: verified}
	if password != "" {
		hash, err := newTestPasswords().Hash(context.Background(), password)
		if err != nil {
			t.Fatalf("Hash: %v", err)
		}
		u.PasswordHash = &hash
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return u
}

func strPtr(s string) *string { return &s }
