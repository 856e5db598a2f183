package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/application"
	"github.com/tendant/tenant-idm/pkg/externalprovider"
	"github.com/tendant/tenant-idm/pkg/login"
	"github.com/tendant/tenant-idm/pkg/notification"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/tokengenerator"
	"github.com/tendant/tenant-idm/pkg/user"
	"golang.org/x/crypto/bcrypt"
)

type server struct {
	router http.Handler
	users  *user.Service
}

// newServer mounts the login routes. current, when set, replaces the
// application resolver.
func newServer(t *testing.T, current *application.Current) *server {
	t.Helper()
	s := store.NewMemoryStore()
	users := user.NewService(user.NewRepository(s), user.WithPasswordHasher(&user.BcryptHasher{Cost: bcrypt.MinCost}))
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	gen := tokengenerator.NewRSATokenGenerator(key, "k1", "https://idm.example.com", "")
	sessions := login.NewSessions(gen, jwtauth.New("RS256", key, &key.PublicKey), tokengenerator.NewCookieSetter(login.SessionCookieName, false), time.Hour)
	nm, err := notification.NewNotificationManager(&notification.MockNotifier{})
	require.NoError(t, err)
	svc := login.NewService(users, login.NewResetStore(s), gen, nm, login.Config{BaseURL: "https://idm.example.com"})

	secrets, err := externalprovider.NewSecretBox("a-test-passphrase-that-is-long-enough")
	require.NoError(t, err)
	federation := externalprovider.NewFederation(externalprovider.NewRepository(s), secrets, users, nil, "https://idm.example.com")
	resolver := application.NewResolver(application.NewRepository(s), "internal")

	h := NewHandle(svc, sessions, federation, resolver, "/login")
	r := chi.NewRouter()
	r.Use(sessions.Middleware)
	if current != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(application.WithCurrent(r.Context(), *current)))
			})
		})
	} else {
		r.Use(resolver.Middleware)
	}
	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", h.RegisterRoutes)
		r.Route("/external", h.RegisterExternalRoutes)
	})
	return &server{router: r, users: users}
}

func (s *server) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == login.SessionCookieName {
			return c
		}
	}
	return nil
}

func TestSignInStartsSession(t *testing.T) {
	srv := newServer(t, nil)
	_, err := srv.users.Register(context.Background(), "alice@example.com", "Alice", "password123")
	require.NoError(t, err)

	w := srv.do(t, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"nope-nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), login.CodeInvalidCredentials)
	assert.Nil(t, sessionCookie(w))

	w = srv.do(t, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"password123"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookie := sessionCookie(w)
	require.NotNil(t, cookie)

	w = srv.do(t, http.MethodGet, "/api/auth/me", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Result Me `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "alice@example.com", env.Result.Email)
	assert.Equal(t, "internal", env.Result.ApplicationID)

	w = srv.do(t, http.MethodPost, "/api/auth/logout", "", cookie)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, -1, sessionCookie(w).MaxAge)
}

func TestMeRequiresSession(t *testing.T) {
	srv := newServer(t, nil)
	w := srv.do(t, http.MethodGet, "/api/auth/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterStartsSession(t *testing.T) {
	srv := newServer(t, nil)
	w := srv.do(t, http.MethodPost, "/api/auth/register", `{"email":"bob@example.com","name":"Bob","password":"password123"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotNil(t, sessionCookie(w))

	w = srv.do(t, http.MethodPost, "/api/auth/register", `{"email":"bob@example.com","name":"Bob","password":"password123"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), login.CodeEmailTaken)
}

func TestRegisterClosedApplication(t *testing.T) {
	srv := newServer(t, &application.Current{ID: "app-1", Application: &application.Application{ID: "app-1"}})
	w := srv.do(t, http.MethodPost, "/api/auth/register", `{"email":"bob@example.com","name":"Bob","password":"password123"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), login.CodeProvisioningDisabled)
}

func TestStartExternal(t *testing.T) {
	// The internal client is not connected to any account's provider.
	srv := newServer(t, nil)
	w := srv.do(t, http.MethodGet, "/api/external/google/start", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	app := &application.Application{ID: "app-1", ConnectedProviders: []string{"google"}}
	srv = newServer(t, &application.Current{ID: app.ID, Application: app})
	w = srv.do(t, http.MethodGet, "/api/external/azure/start", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = srv.do(t, http.MethodGet, "/api/external/google/start", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExternalCallbackWithUnknownState(t *testing.T) {
	srv := newServer(t, nil)
	w := srv.do(t, http.MethodGet, "/api/external/google/callback?state=nope&code=abc", "")
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	assert.Equal(t, "invalid_state", loc.Query().Get("error"))

	w = srv.do(t, http.MethodGet, "/api/external/google/callback?error=access_denied", "")
	loc, err = url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
}

func TestLocalPath(t *testing.T) {
	tests := map[string]string{
		"":                         "/",
		"/connect/authorize?x=1":   "/connect/authorize?x=1",
		"//evil.example.com":       "/",
		"/\\evil.example.com":      "/",
		"https://evil.example.com": "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, localPath(in), in)
	}
}
