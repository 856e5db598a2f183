package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubIntrospector map[string]*Principal

func (s stubIntrospector) IntrospectAccessToken(ctx context.Context, token string) (*Principal, error) {
	p, ok := s[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return p, nil
}

func TestBearerAuth(t *testing.T) {
	introspector := stubIntrospector{
		"admin-token": {Subject: "u1", Kind: KindUser, Scopes: []string{ScopeOpenID, ScopeLocalAPI}},
		"plain-token": {Subject: "u2", Kind: KindUser, Scopes: []string{ScopeOpenID}},
	}

	var seen *Principal
	handler := BearerAuth(introspector, ScopeLocalAPI)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name          string
		authorization string
		wantStatus    int
		wantChallenge string
	}{
		{"missing header", "", http.StatusUnauthorized, `Bearer realm="local-api"`},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, `Bearer realm="local-api"`},
		{"unknown token", "Bearer nope", http.StatusUnauthorized, `Bearer realm="local-api", error="invalid_token"`},
		{"missing scope", "Bearer plain-token", http.StatusUnauthorized, `Bearer realm="local-api", error="insufficient_scope"`},
		{"valid", "Bearer admin-token", http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			r := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
			if tt.authorization != "" {
				r.Header.Set("Authorization", tt.authorization)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantChallenge, w.Header().Get("WWW-Authenticate"))
			if tt.wantStatus == http.StatusNoContent {
				if assert.NotNil(t, seen) {
					assert.Equal(t, "u1", seen.Subject)
				}
			} else {
				assert.Nil(t, seen)
				assert.Contains(t, w.Body.String(), "NotAuthenticated")
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	handler := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(WithPrincipal(r.Context(), &Principal{Subject: "svc", Kind: KindClient}))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(WithPrincipal(r.Context(), &Principal{Subject: "u1", Kind: KindUser}))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPrincipalHelpers(t *testing.T) {
	var nilPrincipal *Principal
	assert.False(t, nilPrincipal.IsUser())
	assert.False(t, nilPrincipal.HasScope(ScopeEmail))

	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), &Principal{Subject: "c1", Kind: KindClient, Scopes: []string{ScopeLocalAPI}})
	p, ok := PrincipalFromContext(ctx)
	assert.True(t, ok)
	assert.True(t, p.HasScope(ScopeLocalAPI))
	_, ok = UserFromContext(ctx)
	assert.False(t, ok)
}
