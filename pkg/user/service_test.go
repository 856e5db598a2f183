package user

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	idmerrors "github.com/tendant/tenant-idm/pkg/errors"
	"github.com/tendant/tenant-idm/pkg/store"
	"golang.org/x/crypto/bcrypt"
)

func newTestService() *Service {
	return NewService(NewRepository(store.NewMemoryStore()),
		WithPasswordHasher(&BcryptHasher{Cost: bcrypt.MinCost}))
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	u, err := svc.Register(ctx, " Test@Example.com ", "Test User", "password123")
	require.NoError(t, err)
	assert.Equal(t, "test@example.com", u.Email)
	assert.NotEqual(t, "password123", u.PasswordHash)

	_, err = svc.Register(ctx, "test@example.com", "Again", "password123")
	assert.True(t, errors.Is(err, ErrEmailTaken))

	got, err := svc.Authenticate(ctx, "TEST@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = svc.Authenticate(ctx, "test@example.com", "wrong")
	assert.True(t, idmerrors.IsCode(err, idmerrors.ErrCodeInvalidCredentials))

	_, err = svc.Authenticate(ctx, "nobody@example.com", "password123")
	assert.True(t, idmerrors.IsCode(err, idmerrors.ErrCodeInvalidCredentials))

	exists, err := svc.Exists(ctx, "test@example.com")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSetPassword(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	u, err := svc.Register(ctx, "reset@example.com", "", "old-password")
	require.NoError(t, err)

	require.NoError(t, svc.SetPassword(ctx, u.ID, "new-password"))

	_, err = svc.Authenticate(ctx, "reset@example.com", "old-password")
	assert.Error(t, err)
	_, err = svc.Authenticate(ctx, "reset@example.com", "new-password")
	assert.NoError(t, err)
}

func TestExternalOnlyUserCannotUsePassword(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	u, err := svc.Register(ctx, "sso@example.com", "SSO", "")
	require.NoError(t, err)
	assert.False(t, u.HasPassword())

	_, err = svc.Authenticate(ctx, "sso@example.com", "")
	assert.True(t, idmerrors.IsCode(err, idmerrors.ErrCodeInvalidCredentials))
}

func TestGetMissingUser(t *testing.T) {
	_, err := newTestService().Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
