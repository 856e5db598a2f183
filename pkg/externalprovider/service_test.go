package externalprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/authz"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/validation"
)

type stubMembers map[string]map[string]authz.Role

func (s stubMembers) Members(ctx context.Context, accountID string) (map[string]authz.Role, error) {
	m, ok := s[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func as(userID string) context.Context {
	return client.WithPrincipal(context.Background(), &client.Principal{Subject: userID, Kind: client.KindUser})
}

func newTestService(t *testing.T) (*Service, *Repository, *SecretBox) {
	t.Helper()
	s := store.NewMemoryStore()
	repo := NewRepository(s)
	box, err := NewSecretBox("0123456789abcdef-test")
	require.NoError(t, err)
	guard := authz.NewGuard(stubMembers{
		"acc-1": {"admin": authz.Administrator, "reader": authz.Reader},
		"acc-2": {"other": authz.Owner},
	})
	return NewService(s, repo, box, guard), repo, box
}

func validInput() Input {
	return Input{
		DisplayName:     "Corporate SSO",
		Authority:       "https://login.corp.example.com",
		ClientID:        "idm",
		ClientSecret:    "upstream-secret",
		ResponseType:    ResponseTypeCode,
		IsVisible:       true,
		RequiredDomains: []string{"Corp.example.com", "@corp.example.com"},
	}
}

func TestProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, repo, box := newTestService(t)

	res, err := svc.Create(as("admin"), CreateRequest{AccountID: "acc-1", Input: validInput()})
	require.NoError(t, err)
	require.True(t, res.IsValid(), res.Errors())
	created := res.Value()
	assert.True(t, created.HasClientSecret)
	assert.Equal(t, []string{"corp.example.com"}, created.RequiredDomains)

	ids, err := repo.ProvidersForDomain(ctx, "CORP.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{created.ID}, ids)

	stored, _, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "upstream-secret", stored.ClientSecret)

	// Edit moves the domain and keeps the secret when none is given.
	in := validInput()
	in.ClientSecret = ""
	in.RequiredDomains = []string{"new.example.com"}
	editRes, err := svc.Edit(as("admin"), EditRequest{ID: created.ID, Input: in})
	require.NoError(t, err)
	require.True(t, editRes.IsValid(), editRes.Errors())

	ids, err = repo.ProvidersForDomain(ctx, "corp.example.com")
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = repo.ProvidersForDomain(ctx, "new.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{created.ID}, ids)

	stored, _, err = repo.Get(ctx, created.ID)
	require.NoError(t, err)
	secret, err := box.Open(stored.ClientSecret)
	require.NoError(t, err)
	assert.Equal(t, "upstream-secret", secret)

	listRes, err := svc.List(as("reader"), ListRequest{AccountID: "acc-1"})
	require.NoError(t, err)
	require.True(t, listRes.IsValid())
	assert.Len(t, listRes.Value(), 1)

	delRes, err := svc.Delete(as("admin"), DeleteRequest{ID: created.ID})
	require.NoError(t, err)
	require.True(t, delRes.IsValid(), delRes.Errors())

	ids, err = repo.ProvidersForDomain(ctx, "new.example.com")
	require.NoError(t, err)
	assert.Empty(t, ids)
	listRes, err = svc.List(as("reader"), ListRequest{AccountID: "acc-1"})
	require.NoError(t, err)
	assert.Empty(t, listRes.Value())
}

func TestProviderAuthorizationUsesStoredAccount(t *testing.T) {
	svc, _, _ := newTestService(t)
	res, err := svc.Create(as("admin"), CreateRequest{AccountID: "acc-1", Input: validInput()})
	require.NoError(t, err)
	id := res.Value().ID

	tests := []struct {
		name string
		ctx  context.Context
		code string
	}{
		{"owner of another account", as("other"), validation.CodeNotAuthorized},
		{"reader", as("reader"), validation.CodeNotAuthorized},
		{"anonymous", context.Background(), validation.CodeNotAuthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			editRes, err := svc.Edit(tt.ctx, EditRequest{ID: id, Input: validInput()})
			require.NoError(t, err)
			assert.True(t, editRes.Errors().Has(tt.code), editRes.Errors())

			delRes, err := svc.Delete(tt.ctx, DeleteRequest{ID: id})
			require.NoError(t, err)
			assert.True(t, delRes.Errors().Has(tt.code), delRes.Errors())
		})
	}

	missing, err := svc.Edit(as("admin"), EditRequest{ID: "missing", Input: validInput()})
	require.NoError(t, err)
	assert.True(t, missing.Errors().Has(validation.CodeNotAuthorized))

	createRes, err := svc.Create(as("reader"), CreateRequest{AccountID: "acc-1", Input: validInput()})
	require.NoError(t, err)
	assert.True(t, createRes.Errors().Has(validation.CodeNotAuthorized))
}

func TestProviderInputValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	tests := []struct {
		name   string
		mutate func(*Input)
		code   string
	}{
		{"unknown response type", func(i *Input) { i.ResponseType = "code token" }, CodeInvalidResponseType},
		{"empty response type", func(i *Input) { i.ResponseType = "" }, CodeInvalidResponseType},
		{"relative authority", func(i *Input) { i.Authority = "/login" }, validation.CodeInvalidUri},
		{"missing display name", func(i *Input) { i.DisplayName = " " }, validation.CodeEmpty},
		{"missing client id", func(i *Input) { i.ClientID = "" }, validation.CodeEmpty},
		{"bad domain", func(i *Input) { i.RequiredDomains = []string{"not a domain"} }, validation.CodeInvalidDomain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			res, err := svc.Create(as("admin"), CreateRequest{AccountID: "acc-1", Input: in})
			require.NoError(t, err)
			assert.True(t, res.Errors().Has(tt.code), res.Errors())
		})
	}

	for _, rt := range ResponseTypes {
		in := validInput()
		in.ResponseType = rt
		res, err := svc.Create(as("admin"), CreateRequest{AccountID: "acc-1", Input: in})
		require.NoError(t, err)
		assert.True(t, res.IsValid(), rt)
	}
}

func TestSingleDefaultProvider(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	first := validInput()
	first.IsDefault = true
	res, err := svc.Create(as("admin"), CreateRequest{AccountID: "acc-1", Input: first})
	require.NoError(t, err)
	firstID := res.Value().ID

	second := validInput()
	second.DisplayName = "Second"
	second.IsDefault = true
	res, err = svc.Create(as("admin"), CreateRequest{AccountID: "acc-1", Input: second})
	require.NoError(t, err)
	secondID := res.Value().ID

	p, _, err := repo.Get(ctx, firstID)
	require.NoError(t, err)
	assert.False(t, p.IsDefault)
	p, _, err = repo.Get(ctx, secondID)
	require.NoError(t, err)
	assert.True(t, p.IsDefault)
}

func TestSecretBox(t *testing.T) {
	_, err := NewSecretBox("short")
	assert.Error(t, err)

	box, err := NewSecretBox("a-sufficiently-long-key")
	require.NoError(t, err)

	sealed, err := box.Seal("s3cret")
	require.NoError(t, err)
	again, err := box.Seal("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)

	other, err := NewSecretBox("a-different-long-key")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)

	empty, err := box.Seal("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
