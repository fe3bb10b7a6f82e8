package credentials

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/account"
	apperrors "github.com/PetoAdam/homenavi/govee-adapter/pkg/errors"
)

// RefreshMargin is how close to expiry a cached AuthContext may get before
// Session replaces it with a fresh login.
const RefreshMargin = 5 * time.Minute

// Authenticator performs the account login.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (account.AuthContext, error)
}

// Store holds the API key, the optional account credentials and the lazily
// derived AuthContext.
type Store struct {
	apiKey   string
	email    string
	password string
	auth     Authenticator
	now      func() time.Time

	mu      sync.RWMutex
	session *account.AuthContext
	group   singleflight.Group
}

func New(apiKey, email, password string, auth Authenticator) *Store {
	return &Store{apiKey: apiKey, email: email, password: password, auth: auth, now: time.Now}
}

// WithClock replaces the clock used for expiry checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) APIKey() string { return s.apiKey }

// HasAccount reports whether account credentials are configured.
func (s *Store) HasAccount() bool { return s.email != "" && s.password != "" }

// Cached returns the current AuthContext without logging in.
func (s *Store) Cached() (account.AuthContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return account.AuthContext{}, false
	}
	return *s.session, true
}

// Session returns a usable AuthContext, logging in on first need or when the
// cached one is within RefreshMargin of expiry. Concurrent callers share one
// login.
func (s *Store) Session(ctx context.Context) (account.AuthContext, error) {
	if ac, ok := s.Cached(); ok && !ac.ExpiresWithin(s.now(), RefreshMargin) {
		return ac, nil
	}
	if !s.HasAccount() {
		return account.AuthContext{}, apperrors.NewAuthError("account email and password are not configured", nil)
	}
	v, err, _ := s.group.Do("login", func() (any, error) {
		if ac, ok := s.Cached(); ok && !ac.ExpiresWithin(s.now(), RefreshMargin) {
			return ac, nil
		}
		ac, err := s.auth.Login(ctx, s.email, s.password)
		if err != nil {
			return account.AuthContext{}, err
		}
		s.mu.Lock()
		s.session = &ac
		s.mu.Unlock()
		return ac, nil
	})
	if err != nil {
		slog.Warn("govee account login failed", "error", err)
		return account.AuthContext{}, err
	}
	return v.(account.AuthContext), nil
}

// Invalidate drops the cached AuthContext so the next Session logs in again.
// Callers use it after the vendor rejects the bearer token.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
}
