package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxd/inboxd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "mail.db"), 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(db)
}

func TestCreateUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, "alice", "alice@test.local", "s3cret", "Alice A")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.True(t, u.IsActive)
	assert.NotEmpty(t, u.PasswordHash)
	assert.NotEmpty(t, u.Salt)
	assert.NotEqual(t, "s3cret", u.PasswordHash)
}

func TestCreateUser_RequiredFields(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "", "a@b.co", "pw", "")
	assert.Error(t, err)
	_, err = svc.CreateUser(ctx, "a", "", "pw", "")
	assert.Error(t, err)
	_, err = svc.CreateUser(ctx, "a", "a@b.co", "", "")
	assert.Error(t, err)
}

func TestCreateUser_Duplicate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice", "alice@test.local", "pw", "")
	require.NoError(t, err)

	_, err = svc.CreateUser(ctx, "alice", "other@test.local", "pw", "")
	assert.ErrorIs(t, err, store.ErrUserExists)
}

func TestCreateUser_UniqueSalts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.CreateUser(ctx, "alice", "alice@test.local", "same-password", "")
	require.NoError(t, err)
	b, err := svc.CreateUser(ctx, "bob", "bob@test.local", "same-password", "")
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.PasswordHash, b.PasswordHash)
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice", "alice@test.local", "s3cret", "")
	require.NoError(t, err)

	u, err := svc.Authenticate(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice@test.local", u.Email)
	assert.NotNil(t, u.LastLogin)

	// last_login persisted
	stored, err := svc.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLogin)
}

func TestAuthenticate_Failures(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice", "alice@test.local", "s3cret", "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "wrong"},
		{"unknown user", "nobody", "s3cret"},
		{"empty password", "alice", ""},
		{"empty username", "", "s3cret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tt.username, tt.password)
			assert.ErrorIs(t, err, ErrAuthFailed)
		})
	}
}

func TestAuthenticate_InactiveUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice", "alice@test.local", "s3cret", "")
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateUser(ctx, "alice"))

	_, err = svc.Authenticate(ctx, "alice", "s3cret")
	assert.ErrorIs(t, err, ErrUserInactive)

	require.NoError(t, svc.ActivateUser(ctx, "alice"))
	_, err = svc.Authenticate(ctx, "alice", "s3cret")
	assert.NoError(t, err)
}

func TestChangePassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice", "alice@test.local", "old-pw", "")
	require.NoError(t, err)

	require.NoError(t, svc.ChangePassword(ctx, "alice", "new-pw"))

	_, err = svc.Authenticate(ctx, "alice", "old-pw")
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = svc.Authenticate(ctx, "alice", "new-pw")
	assert.NoError(t, err)
}

func TestGetUser_NotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetUserByUsername(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = svc.GetUserByEmail(ctx, "ghost@test.local")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestVerifyPassword_BadEncoding(t *testing.T) {
	assert.False(t, verifyPassword("pw", "not-hex", "abcd"))
	assert.False(t, verifyPassword("pw", "abcd", "not-hex"))
}
