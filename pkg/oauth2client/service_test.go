package oauth2client

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/store"
	"golang.org/x/crypto/bcrypt"
)

func newTestService() *ClientService {
	return NewClientService(NewRepository(store.NewMemoryStore())).WithSecretCost(bcrypt.MinCost)
}

func TestEnsureAndValidateCredentials(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	_, err := svc.EnsureClient(ctx, ClientParams{
		ClientID:     "internal",
		ClientName:   "Internal",
		ClientType:   ClientTypeConfidential,
		RedirectURIs: []string{"https://idm.example.com/callback"},
		Permissions:  InternalPermissions,
	}, "first-secret")
	require.NoError(t, err)

	c, err := svc.ValidateClientCredentials(ctx, "internal", "first-secret")
	require.NoError(t, err)
	assert.Equal(t, "Internal", c.ClientName)

	_, err = svc.ValidateClientCredentials(ctx, "internal", "wrong")
	assert.True(t, errors.Is(err, ErrInvalidClientCredentials))

	_, err = svc.ValidateClientCredentials(ctx, "missing", "first-secret")
	assert.True(t, errors.Is(err, ErrClientNotFound))

	// Ensuring again without a secret keeps the stored one.
	_, err = svc.EnsureClient(ctx, ClientParams{ClientID: "internal", ClientName: "Renamed", ClientType: ClientTypeConfidential, Permissions: InternalPermissions}, "")
	require.NoError(t, err)
	c, err = svc.ValidateClientCredentials(ctx, "internal", "first-secret")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", c.ClientName)
}

func TestPublicClientRejectsSecret(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	c, secret, err := svc.NewClient(ClientParams{ClientName: "SPA", ClientType: ClientTypePublic, Permissions: ApplicationPermissions})
	require.NoError(t, err)
	assert.Empty(t, secret)
	op, err := svc.Repository().PutOp(c, store.MustNotExist)
	require.NoError(t, err)
	require.NoError(t, svc.store.Apply(ctx, op))

	_, err = svc.ValidateClientCredentials(ctx, c.ClientID, "")
	assert.NoError(t, err)
	_, err = svc.ValidateClientCredentials(ctx, c.ClientID, "anything")
	assert.True(t, errors.Is(err, ErrInvalidClientCredentials))
}

func TestValidateAuthorizationRequest(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	c, _, err := svc.NewClient(ClientParams{
		ClientName:   "App",
		RedirectURIs: []string{"https://app.example.com/cb"},
		Permissions:  ApplicationPermissions,
	})
	require.NoError(t, err)
	op, err := svc.Repository().PutOp(c, store.MustNotExist)
	require.NoError(t, err)
	require.NoError(t, svc.store.Apply(ctx, op))

	tests := []struct {
		name         string
		redirectURI  string
		responseType string
		scopes       []string
		wantErr      error
	}{
		{"implicit id_token token", "https://app.example.com/cb", "id_token token", []string{"openid", "email", "roles"}, nil},
		{"offline access via refresh grant", "https://app.example.com/cb", "token", []string{"offline_access", "local-api"}, nil},
		{"unregistered redirect", "https://evil.example.com/cb", "token", nil, ErrInvalidRedirectURI},
		{"code flow not permitted", "https://app.example.com/cb", "code", nil, ErrUnsupportedResponseType},
		{"garbage response type", "https://app.example.com/cb", "bogus", nil, ErrUnsupportedResponseType},
		{"unknown scope", "https://app.example.com/cb", "token", []string{"admin"}, ErrInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateAuthorizationRequest(ctx, c.ClientID, tt.redirectURI, tt.responseType, tt.scopes)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestParseScope(t *testing.T) {
	assert.Equal(t, []string{"openid", "email"}, ParseScope("  openid email openid "))
	assert.Nil(t, ParseScope(""))
}
