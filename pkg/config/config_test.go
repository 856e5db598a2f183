package config

import (
	"testing"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/oauth2client"
)

func readEnv(t *testing.T, env map[string]string) Config {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	var cfg Config
	require.NoError(t, cleanenv.ReadEnv(&cfg))
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := readEnv(t, map[string]string{"EXTERNAL_PROVIDER_SECRET_KEY": "0123456789abcdef"})
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, "/api/auth", cfg.Prefix.Auth)
	assert.Equal(t, 10*time.Minute, cfg.JWT.CodeExpiry)
	assert.Equal(t, 72*time.Hour, cfg.Account.InvitationTTL)
	assert.Equal(t, 720*time.Hour, cfg.JWT.Lifespans().RefreshToken)
	assert.Equal(t, "http://localhost:4000/login", cfg.HTTP.AbsoluteLoginURL())
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := readEnv(t, map[string]string{
		"EXTERNAL_PROVIDER_SECRET_KEY": "short",
		"STORE_BACKEND":                "sqlite",
		"BASE_URL":                     "not a url",
		"API_PREFIX_AUTH":              "api/auth/",
	})
	err := cfg.Validate()
	require.Error(t, err)

	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"BASE_URL", "STORE_BACKEND", "EXTERNAL_PROVIDER_SECRET_KEY", "API_PREFIX_AUTH"}, fields)
}

func TestRateLimitEndpointsFollowPrefix(t *testing.T) {
	cfg := readEnv(t, map[string]string{
		"EXTERNAL_PROVIDER_SECRET_KEY": "0123456789abcdef",
		"API_PREFIX_AUTH":              "/v1/auth",
		"RATELIMIT_LOGIN_CAPACITY":     "3",
	})
	rl := cfg.RateLimit.CredentialConfig(cfg.Prefix.Auth)
	assert.Equal(t, 3, rl.Endpoints["POST /v1/auth/login"].Capacity)
	assert.NotContains(t, rl.Endpoints, "POST /api/auth/login")
	assert.Zero(t, rl.Global.Capacity)

	traffic := cfg.RateLimit.TrafficConfig()
	assert.Contains(t, traffic.Endpoints, "POST /connect/token")
	assert.Equal(t, 100, traffic.PerIP.Capacity)
}

func TestInternalClient(t *testing.T) {
	p := OAuth2Config{InternalClientID: "idm", RedirectURIs: []string{"https://idm.example.com/callback"}}.InternalClient()
	assert.Equal(t, "confidential", p.ClientType)
	assert.Equal(t, oauth2client.InternalPermissions, p.Permissions)
	assert.Equal(t, []string{"https://idm.example.com/callback"}, p.RedirectURIs)
}

func TestAbsoluteLoginURLKeepsAbsolute(t *testing.T) {
	h := HTTPConfig{BaseURL: "https://idm.example.com/", LoginURL: "https://app.example.com/signin"}
	assert.Equal(t, "https://app.example.com/signin", h.AbsoluteLoginURL())
	h.LoginURL = "signin"
	assert.Equal(t, "https://idm.example.com/signin", h.AbsoluteLoginURL())
}

func TestDatabaseURL(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Database: "idm", User: "idm", Password: "p@ss", Schema: "idm"}
	assert.Equal(t, "postgres://idm:p%40ss@db:5432/idm?sslmode=disable&search_path=idm,public", d.ToDatabaseURL())
}
