package jwks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/store"
)

func TestEnsureSigningKeyGeneratesOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	svc := NewService(NewRepository(s))

	first, err := svc.EnsureSigningKey(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, first.PrivateKey)

	// A second instance over the same store reuses the stored key.
	again, err := NewService(NewRepository(s)).EnsureSigningKey(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first.Kid, again.Kid)
	assert.True(t, first.PrivateKey.Equal(again.PrivateKey))
}

func TestEnsureSigningKeyImportsConfiguredKey(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewRepository(store.NewMemoryStore()))
	generated, err := svc.EnsureSigningKey(ctx, "")
	require.NoError(t, err)

	privateKey, err := GenerateRSAKeyPair(2048)
	require.NoError(t, err)
	pemData := EncodePrivateKeyToPEM(privateKey)

	imported, err := svc.EnsureSigningKey(ctx, pemData)
	require.NoError(t, err)
	assert.Equal(t, Thumbprint(&privateKey.PublicKey), imported.Kid)

	active, err := svc.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, imported.Kid, active.Kid)

	set, err := svc.GetJWKS(ctx)
	require.NoError(t, err)
	kids := []string{}
	for _, k := range set.Keys {
		kids = append(kids, k.Kid)
		assert.Equal(t, "RSA", k.Kty)
		assert.Equal(t, "sig", k.Use)
	}
	assert.ElementsMatch(t, []string{generated.Kid, imported.Kid}, kids)

	_, err = svc.EnsureSigningKey(ctx, "not a pem")
	assert.Error(t, err)
}

func TestRotateAndCleanup(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewRepository(store.NewMemoryStore()))
	old, err := svc.EnsureSigningKey(ctx, "")
	require.NoError(t, err)

	rotated, err := svc.RotateKeys(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, old.Kid, rotated.Kid)

	// Nothing is old enough yet.
	require.NoError(t, svc.CleanupOldKeys(ctx, time.Hour))
	set, err := svc.GetJWKS(ctx)
	require.NoError(t, err)
	assert.Len(t, set.Keys, 2)

	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	require.NoError(t, svc.CleanupOldKeys(ctx, time.Hour))
	set, err = svc.GetJWKS(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, rotated.Kid, set.Keys[0].Kid)
}
