package tokengenerator

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGenerator(t *testing.T) *RSATokenGenerator {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return NewRSATokenGenerator(key, "kid-1", "https://idm.example.com", "")
}

func TestGenerateAndParse(t *testing.T) {
	g := newGenerator(t)
	tok, exp, err := g.GenerateToken("user-1", time.Hour,
		map[string]interface{}{"aud": "client-1"},
		map[string]interface{}{"token_use": "access", "scope": "openid email", "sub": "ignored"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	parsed, err := g.ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "kid-1", parsed.Header["kid"])
	assert.Equal(t, "user-1", StringClaim(parsed, "sub"))
	assert.Equal(t, "access", StringClaim(parsed, "token_use"))
	assert.Equal(t, "client-1", StringClaim(parsed, "aud"))
	assert.Empty(t, StringClaim(parsed, "missing"))
}

func TestParseRejectsForeignTokens(t *testing.T) {
	g := newGenerator(t)
	other := newGenerator(t)

	tok, _, err := other.GenerateToken("user-1", time.Hour, nil, nil)
	require.NoError(t, err)
	_, err = g.ParseToken(tok)
	assert.Error(t, err)

	expired, _, err := g.GenerateToken("user-1", -2*time.Minute, nil, nil)
	require.NoError(t, err)
	_, err = g.ParseToken(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1", "iss": g.Issuer()})
	signed, err := hs.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = g.ParseToken(signed)
	assert.Error(t, err)
}

func TestTimeClaim(t *testing.T) {
	g := newGenerator(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tok, _, err := g.GenerateToken("u", time.Hour, nil, map[string]interface{}{"auth_time": at.Unix()})
	require.NoError(t, err)
	parsed, err := g.ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, at, TimeClaim(parsed, "auth_time"))
}

func TestCookieSetter(t *testing.T) {
	c := NewCookieSetter("idm_session", true)
	w := httptest.NewRecorder()
	c.SetCookie(w, "value", time.Now().Add(time.Hour))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	assert.Equal(t, "value", c.FromRequest(r))

	w = httptest.NewRecorder()
	c.ClearCookie(w)
	assert.Equal(t, -1, w.Result().Cookies()[0].MaxAge)
	assert.Empty(t, c.FromRequest(httptest.NewRequest(http.MethodGet, "/", nil)))
}
