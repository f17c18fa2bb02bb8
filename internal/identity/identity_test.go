package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *TokenIssuer) {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)
	return NewService(store, issuer, nil), issuer
}

func TestRegisterLoginVerify(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	account, err := svc.Register(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account.Email)
	assert.NotEqual(t, uuid.Nil, account.AccountUUID)

	token, err := svc.Login(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	accountUUID, err := svc.Verify(ctx, "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, account.AccountUUID, accountUUID)
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "alice@example.com", "other")
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestCreateAccountDuplicateEmail(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	_, err = store.CreateAccount(ctx, "alice@example.com", "hash", uuid.New())
	require.NoError(t, err)

	// Two registrations can race past the service's existence check; the
	// store maps the constraint violation to the same refusal.
	_, err = store.CreateAccount(ctx, "alice@example.com", "hash", uuid.New())
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestLoginFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrCredentialsMismatch)

	_, err = svc.Login(ctx, "nobody@example.com", "hunter2")
	assert.ErrorIs(t, err, ErrCredentialsMismatch)
}

func TestVerifyHeaderFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name          string
		authorization string
		want          error
	}{
		{"missing header", "", ErrTokenMissing},
		{"no scheme", "sometoken", ErrTokenMalformed},
		{"wrong scheme", "Basic dXNlcjpwYXNz", ErrTokenMalformed},
		{"garbage token", "Bearer not.a.jwt", ErrTokenInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Verify(ctx, tc.authorization)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)

	other := NewTokenIssuer([]byte("other-secret"), time.Hour)
	account, err := svc.store.AccountByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	forged, err := other.Issue(account)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, "Bearer "+forged)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyExpiredToken(t *testing.T) {
	svc, issuer := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)
	token, err := svc.Login(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)

	issuer.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.Verify(ctx, "Bearer "+token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)
	token, err := svc.Login(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, "Bearer "+token))

	_, err = svc.Verify(ctx, "Bearer "+token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// Revoking an unknown token is refused, not silently accepted.
	err = svc.Revoke(ctx, "Bearer nonexistent")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyUsesCachedVerdict(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)
	cache, err := NewCache("memory", "", 0, "test")
	require.NoError(t, err)
	svc := NewService(store, issuer, cache)
	ctx := context.Background()

	_, err = svc.Register(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)
	token, err := svc.Login(ctx, "alice@example.com", "hunter2")
	require.NoError(t, err)

	_, err = svc.Verify(ctx, "Bearer "+token)
	require.NoError(t, err)

	// A revoke through this service updates the cached verdict immediately.
	require.NoError(t, svc.Revoke(ctx, "Bearer "+token))
	_, err = svc.Verify(ctx, "Bearer "+token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	cache, err := NewCache("memory", "", 0, "test")
	require.NoError(t, err)

	_, ok := cache.Get("tok")
	assert.False(t, ok)

	cache.Set("tok", true)
	revoked, ok := cache.Get("tok")
	assert.True(t, ok)
	assert.True(t, revoked)
}

func TestNewCacheUnknownKind(t *testing.T) {
	_, err := NewCache("memcached", "", 0, "test")
	assert.Error(t, err)
}
