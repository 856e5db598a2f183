package account

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/authz"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/notification"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/user"
	"github.com/tendant/tenant-idm/pkg/validation"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	svc   *Service
	repo  *Repository
	users *user.Service
	mail  *notification.MockNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := store.NewMemoryStore()
	repo := NewRepository(s)
	users := user.NewService(user.NewRepository(s), user.WithPasswordHasher(&user.BcryptHasher{Cost: bcrypt.MinCost}))
	mail := &notification.MockNotifier{}
	nm, err := notification.NewNotificationManager(mail)
	require.NoError(t, err)
	svc := NewService(repo, users, authz.NewGuard(repo), nm, Config{
		BaseURL:    "https://idm.example.com/",
		MaxRetries: 10,
	})
	return fixture{svc: svc, repo: repo, users: users, mail: mail}
}

func (f fixture) register(t *testing.T, email string) user.User {
	t.Helper()
	u, err := f.users.Register(context.Background(), email, "", "password123")
	require.NoError(t, err)
	return u
}

func as(u user.User) context.Context {
	return client.WithPrincipal(context.Background(), &client.Principal{Subject: u.ID, Kind: client.KindUser, Email: u.Email})
}

func (f fixture) createAccount(t *testing.T, owner user.User, name string) Account {
	t.Helper()
	res, err := f.svc.Create(as(owner), CreateRequest{DisplayName: name})
	require.NoError(t, err)
	require.True(t, res.IsValid(), res.Errors())
	return res.Value()
}

func (f fixture) invite(t *testing.T, by user.User, req InviteRequest) string {
	t.Helper()
	res, err := f.svc.Invite(as(by), req)
	require.NoError(t, err)
	require.True(t, res.IsValid(), res.Errors())
	return f.lastToken(t)
}

func (f fixture) lastToken(t *testing.T) string {
	t.Helper()
	sent, ok := f.mail.Last()
	require.True(t, ok)
	link, err := url.Parse(sent.Data.Data["Link"])
	require.NoError(t, err)
	token := link.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

func codes(errs validation.Errors) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Code)
	}
	return out
}

func countOwners(acc Account) int {
	n := 0
	for _, role := range acc.Members {
		if role == authz.Owner {
			n++
		}
	}
	return n
}

func TestCreateAccount(t *testing.T) {
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")

	acc := f.createAccount(t, owner, "Microsoft")
	assert.Equal(t, "microsoft", acc.Name)
	assert.Equal(t, "Microsoft", acc.DisplayName)
	assert.Equal(t, map[string]authz.Role{owner.ID: authz.Owner}, acc.Members)

	other := f.createAccount(t, owner, "Sömething Nöt URL Friéndly")
	assert.Equal(t, NormalizeName("Sömething Nöt URL Friéndly"), other.Name)

	tests := []struct {
		name string
		ctx  context.Context
		req  CreateRequest
		code string
	}{
		{"name collision after normalization", as(owner), CreateRequest{DisplayName: "MICROSOFT!"}, CodeNameNotUnique},
		{"unauthenticated", context.Background(), CreateRequest{DisplayName: "Fresh"}, validation.CodeNotAuthenticated},
		{"empty display name", as(owner), CreateRequest{DisplayName: "  "}, validation.CodeEmpty},
		{"nothing left after normalization", as(owner), CreateRequest{DisplayName: "!!!"}, validation.CodeInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Create(tt.ctx, tt.req)
			require.NoError(t, err)
			require.False(t, res.IsValid())
			assert.Equal(t, []string{tt.code}, codes(res.Errors()))
		})
	}
}

func TestInviteAndCompleteNewUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	acc := f.createAccount(t, owner, "Microsoft")
	require.Equal(t, "microsoft", acc.Name)

	res, err := f.svc.Invite(as(owner), InviteRequest{
		AccountID:     acc.ID,
		Email:         "Test@Example.com",
		Role:          authz.Administrator,
		InvitationURL: "https://app.example.com/join?source=email",
		SuccessURL:    "https://app.example.com/welcome",
	})
	require.NoError(t, err)
	require.True(t, res.IsValid(), res.Errors())
	assert.False(t, res.Value().ExistingUser)
	assert.Equal(t, "test@example.com", res.Value().Email)

	sent, ok := f.mail.Last()
	require.True(t, ok)
	assert.Equal(t, notification.AccountInvitation, sent.Type)
	assert.Equal(t, "test@example.com", sent.Data.To)
	assert.True(t, strings.HasPrefix(sent.Data.Data["Link"], "https://app.example.com/join?"))
	assert.Contains(t, sent.Data.Data["Link"], "source=email")
	token := f.lastToken(t)

	joined, err := f.svc.CompleteInvitation(ctx, CompleteRequest{Token: token, Name: "Test", Password: "s3cret-password"})
	require.NoError(t, err)
	require.True(t, joined.IsValid(), joined.Errors())
	assert.Equal(t, authz.Administrator, joined.Value().Role)
	assert.Equal(t, "https://app.example.com/welcome", joined.Value().SuccessURL)

	stored, _, err := f.repo.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Members, 2)
	assert.Equal(t, authz.Administrator, stored.Members[joined.Value().UserID])

	newUser, err := f.users.Authenticate(ctx, "test@example.com", "s3cret-password")
	require.NoError(t, err)
	assert.True(t, newUser.EmailVerified)

	// Invitations are single use.
	again, err := f.svc.CompleteInvitation(ctx, CompleteRequest{Token: token, Password: "s3cret-password"})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeTokenNotValid}, codes(again.Errors()))
}

func TestInviteValidation(t *testing.T) {
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	reader := f.register(t, "reader@example.com")
	acc := f.createAccount(t, owner, "Acme")
	f.invite(t, owner, InviteRequest{AccountID: acc.ID, Email: reader.Email, Role: authz.Reader})
	joined, err := f.svc.CompleteInvitation(context.Background(), CompleteRequest{Token: f.lastToken(t)})
	require.NoError(t, err)
	require.True(t, joined.IsValid())

	tests := []struct {
		name  string
		ctx   context.Context
		req   InviteRequest
		codes []string
	}{
		{"owner role is never assignable", as(owner), InviteRequest{AccountID: acc.ID, Email: "x@example.com", Role: authz.Owner}, []string{CodeOnlyOneOwner}},
		{"unknown role", as(owner), InviteRequest{AccountID: acc.ID, Email: "x@example.com"}, []string{validation.CodeInvalidValue}},
		{"malformed email", as(owner), InviteRequest{AccountID: acc.ID, Email: "not-an-email", Role: authz.Reader}, []string{validation.CodeInvalidEmail}},
		{"relative invitation url", as(owner), InviteRequest{AccountID: acc.ID, Email: "x@example.com", Role: authz.Reader, InvitationURL: "/join"}, []string{validation.CodeInvalidUri}},
		{"reader cannot invite", as(reader), InviteRequest{AccountID: acc.ID, Email: "x@example.com", Role: authz.Reader}, []string{validation.CodeNotAuthorized}},
		{"reader cannot invite an owner either", as(reader), InviteRequest{AccountID: acc.ID, Email: "x@example.com", Role: authz.Owner}, []string{validation.CodeNotAuthorized}},
		{"unknown account", as(owner), InviteRequest{AccountID: "missing", Email: "x@example.com", Role: authz.Reader}, []string{validation.CodeNotAuthorized}},
		{"unauthenticated", context.Background(), InviteRequest{AccountID: acc.ID, Email: "x@example.com", Role: authz.Reader}, []string{validation.CodeNotAuthenticated}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Invite(tt.ctx, tt.req)
			require.NoError(t, err)
			require.False(t, res.IsValid())
			assert.Equal(t, tt.codes, codes(res.Errors()))
		})
	}
}

func TestUndeliveredInvitationIsNotRedeemable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	acc := f.createAccount(t, owner, "Acme")

	f.mail.Err = fmt.Errorf("smtp unavailable")
	_, err := f.svc.Invite(as(owner), InviteRequest{AccountID: acc.ID, Email: "new@example.com", Role: authz.Reader})
	require.Error(t, err)
	token := f.lastToken(t)

	_, _, err = f.repo.GetInvitation(ctx, token)
	assert.ErrorIs(t, err, store.ErrNotFound)
	res, err := f.svc.CompleteInvitation(ctx, CompleteRequest{Token: token, Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeTokenNotValid}, codes(res.Errors()))
}

func TestInvitationTokenIsStoredHashed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	acc := f.createAccount(t, owner, "Acme")
	token := f.invite(t, owner, InviteRequest{AccountID: acc.ID, Email: "new@example.com", Role: authz.Reader})

	_, err := f.repo.store.Get(ctx, invitationsTable, token)
	assert.ErrorIs(t, err, store.ErrNotFound)
	inv, _, err := f.repo.GetInvitation(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, token, inv.Token)
	assert.Equal(t, "new@example.com", inv.Email)
}

func TestCompleteInvitationFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	acc := f.createAccount(t, owner, "Acme")

	res, err := f.svc.CompleteInvitation(ctx, CompleteRequest{Token: "does-not-exist", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeTokenNotValid}, codes(res.Errors()))

	res, err = f.svc.CompleteInvitation(ctx, CompleteRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{validation.CodeEmpty}, codes(res.Errors()))

	token := f.invite(t, owner, InviteRequest{AccountID: acc.ID, Email: "new@example.com", Role: authz.Reader})

	res, err = f.svc.CompleteInvitation(ctx, CompleteRequest{Token: token})
	require.NoError(t, err)
	assert.Equal(t, []string{CodePasswordRequired}, codes(res.Errors()))

	res, err = f.svc.CompleteInvitation(ctx, CompleteRequest{Token: token, Password: "short"})
	require.NoError(t, err)
	assert.Equal(t, []string{CodePasswordTooShort}, codes(res.Errors()))

	f.svc.now = func() time.Time { return time.Now().UTC().Add(73 * time.Hour) }
	res, err = f.svc.CompleteInvitation(ctx, CompleteRequest{Token: token, Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeTokenNotValid}, codes(res.Errors()))
}

func TestExistingUserNeedsNoPassword(t *testing.T) {
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	existing := f.register(t, "existing@example.com")
	acc := f.createAccount(t, owner, "Acme")

	res, err := f.svc.Invite(as(owner), InviteRequest{
		AccountID:     acc.ID,
		Email:         existing.Email,
		Role:          authz.Reader,
		InvitationURL: "https://app.example.com/join",
	})
	require.NoError(t, err)
	require.True(t, res.IsValid())
	assert.True(t, res.Value().ExistingUser)

	sent, _ := f.mail.Last()
	assert.True(t, strings.HasPrefix(sent.Data.Data["Link"], "https://idm.example.com/invitations/accept?token="),
		sent.Data.Data["Link"])

	joined, err := f.svc.CompleteInvitation(context.Background(), CompleteRequest{Token: f.lastToken(t)})
	require.NoError(t, err)
	require.True(t, joined.IsValid(), joined.Errors())
	assert.Equal(t, existing.ID, joined.Value().UserID)
	assert.Equal(t, authz.Reader, joined.Value().Role)
}

func TestAcceptInvitation(t *testing.T) {
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	invitee := f.register(t, "invitee@example.com")
	stranger := f.register(t, "stranger@example.com")
	acc := f.createAccount(t, owner, "Acme")
	token := f.invite(t, owner, InviteRequest{AccountID: acc.ID, Email: invitee.Email, Role: authz.Administrator})

	res, err := f.svc.AcceptInvitation(context.Background(), AcceptRequest{Token: token})
	require.NoError(t, err)
	assert.Equal(t, []string{validation.CodeNotAuthenticated}, codes(res.Errors()))

	res, err = f.svc.AcceptInvitation(as(stranger), AcceptRequest{Token: token})
	require.NoError(t, err)
	assert.Equal(t, []string{validation.CodeNotAuthorized}, codes(res.Errors()))

	res, err = f.svc.AcceptInvitation(as(invitee), AcceptRequest{Token: token})
	require.NoError(t, err)
	require.True(t, res.IsValid(), res.Errors())

	got, err := f.svc.Get(as(invitee), GetRequest{AccountID: acc.ID})
	require.NoError(t, err)
	require.True(t, got.IsValid())
	assert.Equal(t, authz.Administrator, got.Value().Members[invitee.ID])

	denied, err := f.svc.Get(as(stranger), GetRequest{AccountID: acc.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{validation.CodeNotAuthorized}, codes(denied.Errors()))
}

func TestOwnerInvitedToOwnAccountStaysOwner(t *testing.T) {
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	acc := f.createAccount(t, owner, "Acme")
	token := f.invite(t, owner, InviteRequest{AccountID: acc.ID, Email: owner.Email, Role: authz.Reader})

	res, err := f.svc.AcceptInvitation(as(owner), AcceptRequest{Token: token})
	require.NoError(t, err)
	require.True(t, res.IsValid())
	assert.Equal(t, authz.Owner, res.Value().Role)

	stored, _, err := f.repo.Get(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countOwners(stored))
}

func TestEditAndRemoveMember(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	admin := f.register(t, "admin@example.com")
	acc := f.createAccount(t, owner, "Acme")
	f.invite(t, owner, InviteRequest{AccountID: acc.ID, Email: admin.Email, Role: authz.Administrator})
	joined, err := f.svc.CompleteInvitation(ctx, CompleteRequest{Token: f.lastToken(t)})
	require.NoError(t, err)
	require.True(t, joined.IsValid())

	res, err := f.svc.EditMember(as(admin), EditMemberRequest{AccountID: acc.ID, UserID: owner.ID, Role: authz.Reader})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeOwnerImmutable}, codes(res.Errors()))

	res, err = f.svc.EditMember(as(owner), EditMemberRequest{AccountID: acc.ID, UserID: admin.ID, Role: authz.Owner})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeOnlyOneOwner}, codes(res.Errors()))

	res, err = f.svc.EditMember(as(owner), EditMemberRequest{AccountID: acc.ID, UserID: "nobody", Role: authz.Reader})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeMemberNotFound}, codes(res.Errors()))

	res, err = f.svc.EditMember(as(owner), EditMemberRequest{AccountID: acc.ID, UserID: admin.ID, Role: authz.Reader})
	require.NoError(t, err)
	require.True(t, res.IsValid(), res.Errors())
	assert.Equal(t, authz.Reader, res.Value().Members[admin.ID])

	// Now a reader, the former admin can no longer manage members.
	res, err = f.svc.RemoveMember(as(admin), RemoveMemberRequest{AccountID: acc.ID, UserID: admin.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{validation.CodeNotAuthorized}, codes(res.Errors()))

	res, err = f.svc.RemoveMember(as(owner), RemoveMemberRequest{AccountID: acc.ID, UserID: owner.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeOwnerImmutable}, codes(res.Errors()))

	res, err = f.svc.RemoveMember(as(owner), RemoveMemberRequest{AccountID: acc.ID, UserID: admin.ID})
	require.NoError(t, err)
	require.True(t, res.IsValid())
	assert.NotContains(t, res.Value().Members, admin.ID)

	list, err := f.svc.ListMine(as(admin))
	require.NoError(t, err)
	assert.Empty(t, list.Value())
	assert.Equal(t, 1, countOwners(res.Value()))
}

func TestListMine(t *testing.T) {
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	a := f.createAccount(t, owner, "Alpha")
	b := f.createAccount(t, owner, "Beta")

	res, err := f.svc.ListMine(as(owner))
	require.NoError(t, err)
	require.True(t, res.IsValid())
	ids := []string{}
	for _, s := range res.Value() {
		ids = append(ids, s.ID)
		assert.Equal(t, authz.Owner, s.Role)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	anon, err := f.svc.ListMine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{validation.CodeNotAuthenticated}, codes(anon.Errors()))
}

func TestConcurrentInvitationRedemption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.register(t, "owner@example.com")
	acc := f.createAccount(t, owner, "Acme")

	const n = 4
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = f.invite(t, owner, InviteRequest{AccountID: acc.ID, Email: fmt.Sprintf("member%d@example.com", i), Role: authz.Reader})
	}

	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.CompleteInvitation(ctx, CompleteRequest{Token: tokens[i], Password: "password123"})
			results[i] = err == nil && res.IsValid()
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "redemption %d", i)
	}
	stored, _, err := f.repo.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Members, n+1)
	assert.Equal(t, 1, countOwners(stored))
}
