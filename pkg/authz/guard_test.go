package authz

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/validation"
)

type stubMembers map[string]map[string]Role

func (s stubMembers) Members(ctx context.Context, accountID string) (map[string]Role, error) {
	m, ok := s[accountID]
	if !ok {
		return nil, errors.New("account not found")
	}
	return m, nil
}

func asUser(id string) context.Context {
	return client.WithPrincipal(context.Background(), &client.Principal{Subject: id, Kind: client.KindUser})
}

func TestHasRole(t *testing.T) {
	guard := NewGuard(stubMembers{
		"acct": {"owner": Owner, "admin": Administrator, "reader": Reader},
	})

	tests := []struct {
		name      string
		ctx       context.Context
		accountID string
		want      bool
	}{
		{"unauthenticated caller", context.Background(), "acct", false},
		{"client principal", client.WithPrincipal(context.Background(), &client.Principal{Subject: "owner", Kind: client.KindClient}), "acct", false},
		{"empty account id", asUser("owner"), "", false},
		{"nonexistent account", asUser("owner"), "other", false},
		{"no membership", asUser("stranger"), "acct", false},
		{"role outside allowed set", asUser("reader"), "acct", false},
		{"administrator", asUser("admin"), "acct", true},
		{"owner", asUser("owner"), "acct", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guard.HasRole(tt.ctx, tt.accountID, ManagerRoles...))
		})
	}

	assert.True(t, guard.HasRole(asUser("reader"), "acct", Reader))
}

type editRequest struct {
	TargetID string
}

func TestRequireRole(t *testing.T) {
	guard := NewGuard(stubMembers{"acct": {"admin": Administrator, "reader": Reader}})
	owners := map[string]string{"app1": "acct"}
	rule := RequireRole(guard, func(ctx context.Context, req editRequest) (string, error) {
		return owners[req.TargetID], nil
	}, ManagerRoles...)

	errs := rule(context.Background(), editRequest{TargetID: "app1"})
	require.Len(t, errs, 1)
	assert.Equal(t, validation.CodeNotAuthenticated, errs[0].Code)

	errs = rule(asUser("reader"), editRequest{TargetID: "app1"})
	require.Len(t, errs, 1)
	assert.Equal(t, validation.CodeNotAuthorized, errs[0].Code)

	// A missing target looks exactly like a forbidden one.
	errs = rule(asUser("admin"), editRequest{TargetID: "missing"})
	require.Len(t, errs, 1)
	assert.Equal(t, validation.CodeNotAuthorized, errs[0].Code)

	assert.Empty(t, rule(asUser("admin"), editRequest{TargetID: "app1"}))

	direct := RequireRole(guard, FromRequest(func(r editRequest) string { return r.TargetID }), ManagerRoles...)
	assert.Empty(t, direct(asUser("admin"), editRequest{TargetID: "acct"}))
}

func TestRoleJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Role{"u1": Owner})
	require.NoError(t, err)
	assert.JSONEq(t, `{"u1":"Owner"}`, string(data))

	var roles map[string]Role
	require.NoError(t, json.Unmarshal([]byte(`{"u1":"Administrator"}`), &roles))
	assert.Equal(t, Administrator, roles["u1"])

	assert.Error(t, json.Unmarshal([]byte(`{"u1":"Superuser"}`), &roles))
	assert.True(t, Reader < Administrator && Administrator < Owner)
}
