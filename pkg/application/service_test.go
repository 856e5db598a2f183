package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/authz"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/oauth2client"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/validation"
	"golang.org/x/crypto/bcrypt"
)

type stubMembers map[string]map[string]authz.Role

func (s stubMembers) Members(ctx context.Context, accountID string) (map[string]authz.Role, error) {
	m, ok := s[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

// stubProviders maps provider ids to their account and domains.
type stubProviders map[string]struct {
	account string
	domains []string
}

func (s stubProviders) AccountOf(ctx context.Context, id string) (string, error) {
	return s[id].account, nil
}

func (s stubProviders) ProvidersForDomain(ctx context.Context, domain string) ([]string, error) {
	var ids []string
	for id, p := range s {
		for _, d := range p.domains {
			if d == domain {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func as(userID string) context.Context {
	return client.WithPrincipal(context.Background(), &client.Principal{Subject: userID, Kind: client.KindUser})
}

type fixture struct {
	svc     *Service
	repo    *Repository
	clients *oauth2client.ClientService
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := store.NewMemoryStore()
	repo := NewRepository(s)
	clients := oauth2client.NewClientService(oauth2client.NewRepository(s)).WithSecretCost(bcrypt.MinCost)
	guard := authz.NewGuard(stubMembers{
		"acc-1": {"admin": authz.Administrator, "reader": authz.Reader},
		"acc-2": {"other": authz.Owner},
	})
	providers := stubProviders{
		"prov-1": {account: "acc-1", domains: []string{"corp.example.com"}},
		"prov-2": {account: "acc-2", domains: []string{"corp.example.com"}},
	}
	return fixture{svc: NewService(s, repo, clients, providers, guard), repo: repo, clients: clients}
}

func boolPtr(b bool) *bool { return &b }

func validInput() Input {
	return Input{
		DisplayName:            "Portal",
		RedirectURIs:           []string{"https://a.com/callback"},
		PostLogoutRedirectURIs: []string{"https://a.com/"},
		AutoProvision:          boolPtr(true),
		EnableProvision:        boolPtr(false),
		DefaultOrigin:          "https://a.com",
		Origins:                []string{"https://b.com"},
		ConnectedProviders:     []string{"prov-1"},
	}
}

func (f fixture) create(t *testing.T, in Input) Registered {
	t.Helper()
	res, err := f.svc.Create(as("admin"), CreateRequest{AccountID: "acc-1", Input: in})
	require.NoError(t, err)
	require.True(t, res.IsValid(), res.Errors())
	return res.Value()
}

func TestCreateRegistersClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.create(t, validInput())

	assert.NotEmpty(t, reg.ClientSecret)
	assert.Equal(t, "acc-1", reg.AccountID)
	assert.Equal(t, []string{"https://a.com/callback"}, reg.RedirectURIs)

	c, err := f.clients.ValidateClientCredentials(ctx, reg.ID, reg.ClientSecret)
	require.NoError(t, err)
	assert.ElementsMatch(t, oauth2client.ApplicationPermissions, c.Permissions)
	assert.False(t, c.AllowsGrantType("authorization_code"))

	for _, origin := range []string{"https://a.com", "https://B.com/", "https://b.com"} {
		ok, err := f.repo.OriginAllowed(ctx, origin)
		require.NoError(t, err)
		assert.True(t, ok, origin)
	}
	ok, err := f.repo.OriginAllowed(ctx, "https://c.com")
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err := f.repo.Origins(ctx, reg.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, row.Origin == "https://a.com", row.IsDefault)
	}
}

func TestInputValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name     string
		mutate   func(*Input)
		code     string
		property string
	}{
		{"origin equals default origin", func(i *Input) { i.Origins = []string{"https://a.com"} }, CodeDuplicateOrigin, "origins[0]"},
		{"origin equals default with trailing slash", func(i *Input) { i.Origins = []string{"https://A.com/"} }, CodeDuplicateOrigin, "origins[0]"},
		{"origin listed twice", func(i *Input) { i.Origins = []string{"https://b.com", "https://b.com"} }, CodeDuplicateOrigin, "origins[1]"},
		{"origins without default", func(i *Input) { i.DefaultOrigin = "" }, validation.CodeEmpty, "origins"},
		{"relative origin", func(i *Input) { i.Origins = []string{"b.com"} }, validation.CodeInvalidUri, "origins[0]"},
		{"relative default origin", func(i *Input) { i.DefaultOrigin = "/a" }, validation.CodeInvalidUri, "defaultOrigin"},
		{"relative redirect", func(i *Input) { i.RedirectURIs = []string{"/callback"} }, validation.CodeInvalidUri, "redirectUris[0]"},
		{"empty post logout uri", func(i *Input) { i.PostLogoutRedirectURIs = []string{""} }, validation.CodeInvalidUri, "postLogoutRedirectUris[0]"},
		{"missing display name", func(i *Input) { i.DisplayName = "" }, validation.CodeEmpty, "displayName"},
		{"missing autoProvision", func(i *Input) { i.AutoProvision = nil }, validation.CodeEmpty, "autoProvision"},
		{"missing enableProvision", func(i *Input) { i.EnableProvision = nil }, validation.CodeEmpty, "enableProvision"},
		{"provider of another account", func(i *Input) { i.ConnectedProviders = []string{"prov-2"} }, CodeProviderNotFound, "connectedProviders[0]"},
		{"unknown provider", func(i *Input) { i.ConnectedProviders = []string{"nope"} }, CodeProviderNotFound, "connectedProviders[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			res, err := f.svc.Create(as("admin"), CreateRequest{AccountID: "acc-1", Input: in})
			require.NoError(t, err)
			require.False(t, res.IsValid())
			found := false
			for _, e := range res.Errors() {
				if e.Code == tt.code && e.PropertyName == tt.property {
					found = true
				}
			}
			assert.True(t, found, "%v", res.Errors())
		})
	}

	t.Run("no origins at all", func(t *testing.T) {
		in := validInput()
		in.DefaultOrigin = ""
		in.Origins = nil
		res, err := f.svc.Create(as("admin"), CreateRequest{AccountID: "acc-1", Input: in})
		require.NoError(t, err)
		assert.True(t, res.IsValid(), res.Errors())
	})
}

func TestCreateAuthorization(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		ctx     context.Context
		account string
		code    string
	}{
		{"anonymous", context.Background(), "acc-1", validation.CodeNotAuthenticated},
		{"reader", as("reader"), "acc-1", validation.CodeNotAuthorized},
		{"other account", as("other"), "acc-1", validation.CodeNotAuthorized},
		{"missing account", as("admin"), "acc-404", validation.CodeNotAuthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Create(tt.ctx, CreateRequest{AccountID: tt.account, Input: validInput()})
			require.NoError(t, err)
			require.Len(t, res.Errors(), 1)
			assert.Equal(t, tt.code, res.Errors()[0].Code)
		})
	}
}

func TestEditDiffsOriginsAndUpdatesClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.create(t, validInput())

	in := validInput()
	in.DisplayName = "Portal v2"
	in.DefaultOrigin = "https://b.com"
	in.Origins = []string{"https://c.com"}
	in.RedirectURIs = []string{"https://b.com/callback"}
	res, err := f.svc.Edit(as("admin"), EditRequest{ID: reg.ID, Input: in})
	require.NoError(t, err)
	require.True(t, res.IsValid(), res.Errors())

	rows, err := f.repo.Origins(ctx, reg.ID)
	require.NoError(t, err)
	got := map[string]bool{}
	for _, row := range rows {
		got[row.Origin] = row.IsDefault
	}
	assert.Equal(t, map[string]bool{"https://b.com": true, "https://c.com": false}, got)

	ok, err := f.repo.OriginAllowed(ctx, "https://a.com")
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := f.clients.GetClient(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Portal v2", c.ClientName)
	assert.True(t, c.ValidateRedirectURI("https://b.com/callback"))
	assert.False(t, c.ValidateRedirectURI("https://a.com/callback"))
	// The secret survives an edit.
	_, err = f.clients.ValidateClientCredentials(ctx, reg.ID, reg.ClientSecret)
	assert.NoError(t, err)
}

func TestEditAndDeleteResolveStoredAccount(t *testing.T) {
	f := newFixture(t)
	reg := f.create(t, validInput())

	// An owner of another account cannot touch the application, whatever
	// the request says.
	res, err := f.svc.Edit(as("other"), EditRequest{ID: reg.ID, Input: validInput()})
	require.NoError(t, err)
	assert.True(t, res.Errors().Has(validation.CodeNotAuthorized))

	del, err := f.svc.Delete(as("other"), IDRequest{ID: reg.ID})
	require.NoError(t, err)
	assert.True(t, del.Errors().Has(validation.CodeNotAuthorized))

	missing, err := f.svc.Delete(as("admin"), IDRequest{ID: "missing"})
	require.NoError(t, err)
	assert.True(t, missing.Errors().Has(validation.CodeNotAuthorized))
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.create(t, validInput())

	res, err := f.svc.Delete(as("admin"), IDRequest{ID: reg.ID})
	require.NoError(t, err)
	require.True(t, res.IsValid(), res.Errors())

	_, err = f.clients.GetClient(ctx, reg.ID)
	assert.True(t, errors.Is(err, oauth2client.ErrClientNotFound))
	rows, err := f.repo.Origins(ctx, reg.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	ok, err := f.repo.OriginAllowed(ctx, "https://a.com")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := f.svc.List(as("reader"), ListRequest{AccountID: "acc-1"})
	require.NoError(t, err)
	assert.Empty(t, list.Value())
}

func TestRegenerateSecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.create(t, validInput())

	res, err := f.svc.RegenerateSecret(as("admin"), IDRequest{ID: reg.ID})
	require.NoError(t, err)
	require.True(t, res.IsValid(), res.Errors())
	assert.NotEqual(t, reg.ClientSecret, res.Value().ClientSecret)

	_, err = f.clients.ValidateClientCredentials(ctx, reg.ID, reg.ClientSecret)
	assert.Error(t, err)
	_, err = f.clients.ValidateClientCredentials(ctx, reg.ID, res.Value().ClientSecret)
	assert.NoError(t, err)
}

func TestDomainRequirements(t *testing.T) {
	f := newFixture(t)
	reg := f.create(t, validInput())

	tests := []struct {
		name   string
		appID  string
		domain string
		want   string
	}{
		{"connected provider requires domain", reg.ID, "corp.example.com", "prov-1"},
		{"email address is accepted", reg.ID, "jane@corp.example.com", "prov-1"},
		{"no provider for domain", reg.ID, "gmail.com", ""},
		{"internal client connects nothing", "internal", "corp.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.DomainRequirements(context.Background(), DomainRequirementsRequest{ApplicationID: tt.appID, Domain: tt.domain})
			require.NoError(t, err)
			require.True(t, res.IsValid(), res.Errors())
			assert.Equal(t, tt.want, res.Value().ProviderID)
		})
	}

	res, err := f.svc.DomainRequirements(context.Background(), DomainRequirementsRequest{ApplicationID: reg.ID})
	require.NoError(t, err)
	assert.True(t, res.Errors().Has(validation.CodeEmpty))
}
