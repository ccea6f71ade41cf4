// Package auth provides a credential-table Authenticator for the FTP server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt cost used by HashPassword.
const DefaultCost = bcrypt.DefaultCost

// MaxPasswordLength is the longest password bcrypt hashes without truncation.
const MaxPasswordLength = 72

var (
	// ErrInvalidCredentials is returned for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrPasswordEmpty   = errors.New("password must not be empty")
	ErrPasswordTooLong = fmt.Errorf("password must be at most %d bytes", MaxPasswordLength)
)

// anonymousNames are the login names treated as anonymous when anonymous
// access is enabled.
var anonymousNames = map[string]bool{"anonymous": true, "ftp": true}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	return HashPasswordWithCost(password, DefaultCost)
}

// HashPasswordWithCost is HashPassword with an explicit bcrypt cost.
func HashPasswordWithCost(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrPasswordEmpty
	}
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// UserTable authenticates logins against a table of bcrypt hashes.
// The table can be swapped at runtime with Replace; sessions already
// logged in are not affected.
type UserTable struct {
	mu        sync.RWMutex
	users     map[string][]byte
	anonymous bool
}

// Option configures a UserTable.
type Option func(*UserTable)

// WithAnonymous accepts "anonymous" and "ftp" with any password.
func WithAnonymous(enabled bool) Option {
	return func(t *UserTable) { t.anonymous = enabled }
}

// NewUserTable builds a table from user name to bcrypt hash.
func NewUserTable(users map[string]string, opts ...Option) (*UserTable, error) {
	t := &UserTable{}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.Replace(users); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace atomically swaps the credential table. Every hash is checked
// first; on error the old table stays in effect.
func (t *UserTable) Replace(users map[string]string) error {
	table := make(map[string][]byte, len(users))
	for name, hash := range users {
		if name == "" {
			return errors.New("user name must not be empty")
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return fmt.Errorf("user %q: invalid password hash: %w", name, err)
		}
		table[name] = []byte(hash)
	}

	t.mu.Lock()
	t.users = table
	t.mu.Unlock()
	return nil
}

// SetAnonymous toggles anonymous access.
func (t *UserTable) SetAnonymous(enabled bool) {
	t.mu.Lock()
	t.anonymous = enabled
	t.mu.Unlock()
}

// Len returns the number of configured users.
func (t *UserTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

// Authenticate implements server.Authenticator.
func (t *UserTable) Authenticate(ctx context.Context, user, pass string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	hash, ok := t.users[user]
	anonymous := t.anonymous
	t.mu.RUnlock()

	if !ok {
		if anonymous && anonymousNames[strings.ToLower(user)] {
			return nil
		}
		// Burn the same time as a real comparison so unknown names
		// cannot be told apart from wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(pass))
		return ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(pass)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

var (
	dummyOnce sync.Once
	dummy     []byte
)

func dummyHash() []byte {
	dummyOnce.Do(func() {
		dummy, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), DefaultCost)
	})
	return dummy
}
