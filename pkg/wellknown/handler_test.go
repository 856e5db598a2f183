package wellknown

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/jwks"
	"github.com/tendant/tenant-idm/pkg/store"
)

func newRouter(t *testing.T) chi.Router {
	t.Helper()
	keys := jwks.NewService(jwks.NewRepository(store.NewMemoryStore()))
	_, err := keys.EnsureSigningKey(context.Background(), "")
	require.NoError(t, err)
	r := chi.NewRouter()
	NewHandler(Config{Issuer: "https://idm.example.com/"}, keys).RegisterRoutes(r)
	return r
}

func get(t *testing.T, r http.Handler, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
	return w
}

func TestOpenIDConfiguration(t *testing.T) {
	r := newRouter(t)
	var doc map[string]any
	w := get(t, r, "/.well-known/openid-configuration", &doc)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "https://idm.example.com/connect/authorize", doc["authorization_endpoint"])
	assert.Equal(t, "https://idm.example.com/connect/token", doc["token_endpoint"])
	assert.Equal(t, "https://idm.example.com/connect/userinfo", doc["userinfo_endpoint"])
	assert.Equal(t, "https://idm.example.com/connect/logout", doc["end_session_endpoint"])
	assert.Equal(t, "https://idm.example.com/.well-known/jwks.json", doc["jwks_uri"])
	assert.Equal(t, []any{"RS256"}, doc["id_token_signing_alg_values_supported"])
}

func TestAuthorizationServerMetadataOmitsOpenIDFields(t *testing.T) {
	r := newRouter(t)
	var doc map[string]any
	get(t, r, "/.well-known/oauth-authorization-server", &doc)
	assert.NotContains(t, doc, "userinfo_endpoint")
	assert.Contains(t, doc["code_challenge_methods_supported"], "S256")

	var resource map[string]any
	get(t, r, "/.well-known/oauth-protected-resource", &resource)
	assert.Equal(t, "https://idm.example.com/api", resource["resource"])
}

func TestJWKS(t *testing.T) {
	r := newRouter(t)
	var set jwks.JWKS
	get(t, r, "/.well-known/jwks.json", &set)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RS256", set.Keys[0].Alg)
	assert.NotEmpty(t, set.Keys[0].N)
}
