package auth

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := HashPasswordWithCost(password, bcrypt.MinCost)
	require.NoError(t, err)
	return hash
}

func TestHashPassword(t *testing.T) {
	t.Parallel()

	hash, err := HashPasswordWithCost("secret", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))

	_, err = HashPassword("")
	assert.ErrorIs(t, err, ErrPasswordEmpty)

	_, err = HashPassword(strings.Repeat("x", MaxPasswordLength+1))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestUserTableAuthenticate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	table, err := NewUserTable(map[string]string{
		"alice": mustHash(t, "wonderland"),
		"bob":   mustHash(t, "builder"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	assert.NoError(t, table.Authenticate(ctx, "alice", "wonderland"))
	assert.NoError(t, table.Authenticate(ctx, "bob", "builder"))
	assert.ErrorIs(t, table.Authenticate(ctx, "alice", "builder"), ErrInvalidCredentials)
	assert.ErrorIs(t, table.Authenticate(ctx, "mallory", "wonderland"), ErrInvalidCredentials)
	assert.ErrorIs(t, table.Authenticate(ctx, "Alice", "wonderland"), ErrInvalidCredentials, "names are case-sensitive")
}

func TestUserTableAnonymous(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	table, err := NewUserTable(nil)
	require.NoError(t, err)
	assert.ErrorIs(t, table.Authenticate(ctx, "anonymous", "guest@"), ErrInvalidCredentials)

	table.SetAnonymous(true)
	assert.NoError(t, table.Authenticate(ctx, "anonymous", "guest@"))
	assert.NoError(t, table.Authenticate(ctx, "FTP", ""))
	assert.ErrorIs(t, table.Authenticate(ctx, "guest", ""), ErrInvalidCredentials)

	withOpt, err := NewUserTable(nil, WithAnonymous(true))
	require.NoError(t, err)
	assert.NoError(t, withOpt.Authenticate(ctx, "ftp", "x"))
}

func TestUserTableReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	table, err := NewUserTable(map[string]string{"alice": mustHash(t, "one")})
	require.NoError(t, err)

	require.NoError(t, table.Replace(map[string]string{"alice": mustHash(t, "two")}))
	assert.ErrorIs(t, table.Authenticate(ctx, "alice", "one"), ErrInvalidCredentials)
	assert.NoError(t, table.Authenticate(ctx, "alice", "two"))

	// A bad entry leaves the previous table in place.
	err = table.Replace(map[string]string{"alice": mustHash(t, "three"), "bob": "plaintext"})
	assert.Error(t, err)
	assert.NoError(t, table.Authenticate(ctx, "alice", "two"))

	assert.Error(t, table.Replace(map[string]string{"": mustHash(t, "x")}))
}

func TestNewUserTableRejectsBadHash(t *testing.T) {
	t.Parallel()
	_, err := NewUserTable(map[string]string{"alice": "not-a-hash"})
	assert.Error(t, err)
}

func TestAuthenticateHonorsContext(t *testing.T) {
	t.Parallel()
	table, err := NewUserTable(map[string]string{"alice": mustHash(t, "pw")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, table.Authenticate(ctx, "alice", "pw"), context.Canceled)
}

func TestUserTableConcurrentReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hash := mustHash(t, "pw")

	table, err := NewUserTable(map[string]string{"alice": hash})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, table.Authenticate(ctx, "alice", "pw"))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, table.Replace(map[string]string{"alice": hash}))
		}()
	}
	wg.Wait()
}
