// Command oidc-client is a minimal relying party for trying the
// authorization code flow against a running idm. It discovers the issuer,
// signs in with PKCE, verifies the ID token and shows the userinfo claims
// as JSON.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/oauth2"
)

const (
	flowCookie    = "oidc_flow"
	sessionCookie = "session_id"
	flowTTL       = 10 * time.Minute
)

// flow is a sign-in started by /login and finished by /callback.
type flow struct {
	State     string
	Nonce     string
	Verifier  string
	CreatedAt time.Time
}

// Session is a signed-in browser.
type Session struct {
	Subject     string         `json:"sub"`
	AccessToken string         `json:"-"`
	IDToken     string         `json:"-"`
	Claims      map[string]any `json:"claims"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

type relyingParty struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config

	mu       sync.Mutex
	flows    map[string]flow
	sessions map[string]*Session
}

func main() {
	issuer := flag.String("issuer", "http://localhost:4000", "Issuer URL of the identity service")
	clientID := flag.String("client-id", "idm", "Client id permitted the authorization code grant")
	clientSecret := flag.String("client-secret", "", "Client secret, empty for public clients")
	addr := flag.String("addr", ":4002", "Listen address")
	redirectURI := flag.String("redirect-uri", "http://localhost:4002/callback", "Registered redirect URI")
	flag.Parse()

	ctx := context.Background()
	provider, err := oidc.NewProvider(ctx, *issuer)
	if err != nil {
		slog.Error("Failed to discover issuer", "issuer", *issuer, "error", err)
		os.Exit(1)
	}
	rp := &relyingParty{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: *clientID}),
		oauth: oauth2.Config{
			ClientID:     *clientID,
			ClientSecret: *clientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  *redirectURI,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email", "roles"},
		},
		flows:    make(map[string]flow),
		sessions: make(map[string]*Session),
	}

	slog.Info("OIDC client started", "addr", *addr, "issuer", *issuer, "clientId", *clientID)
	if err := http.ListenAndServe(*addr, rp.routes()); err != nil {
		slog.Error("OIDC client stopped", "error", err)
		os.Exit(1)
	}
}

func (rp *relyingParty) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/login", rp.login)
	r.Get("/callback", rp.callback)
	r.Get("/me", rp.me)
	r.Get("/logout", rp.logout)
	return r
}

func (rp *relyingParty) login(w http.ResponseWriter, r *http.Request) {
	f := flow{
		State:     randomString(),
		Nonce:     randomString(),
		Verifier:  oauth2.GenerateVerifier(),
		CreatedAt: time.Now(),
	}
	rp.mu.Lock()
	rp.flows[f.State] = f
	rp.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: flowCookie, Value: f.State, Path: "/", HttpOnly: true, MaxAge: int(flowTTL.Seconds())})
	http.Redirect(w, r, rp.oauth.AuthCodeURL(f.State, oidc.Nonce(f.Nonce), oauth2.S256ChallengeOption(f.Verifier)), http.StatusFound)
}

func (rp *relyingParty) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": e, "error_description": q.Get("error_description")})
		return
	}

	cookie, err := r.Cookie(flowCookie)
	if err != nil || cookie.Value != q.Get("state") {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	rp.mu.Lock()
	f, ok := rp.flows[cookie.Value]
	delete(rp.flows, cookie.Value)
	rp.mu.Unlock()
	if !ok || time.Since(f.CreatedAt) > flowTTL {
		http.Error(w, "sign-in expired", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	token, err := rp.oauth.Exchange(ctx, q.Get("code"), oauth2.VerifierOption(f.Verifier))
	if err != nil {
		slog.Error("Failed to exchange code for token", "error", err)
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	idToken, err := rp.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		slog.Error("ID token rejected", "error", err)
		http.Error(w, "invalid id token", http.StatusBadGateway)
		return
	}
	if idToken.Nonce != f.Nonce {
		http.Error(w, "nonce mismatch", http.StatusBadGateway)
		return
	}
	info, err := rp.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		slog.Error("Failed to get user info", "error", err)
		http.Error(w, "userinfo failed", http.StatusBadGateway)
		return
	}
	claims := map[string]any{}
	if err := info.Claims(&claims); err != nil {
		http.Error(w, "userinfo failed", http.StatusBadGateway)
		return
	}

	id := randomString()
	s := &Session{Subject: idToken.Subject, AccessToken: token.AccessToken, IDToken: rawIDToken, Claims: claims, ExpiresAt: token.Expiry}
	rp.mu.Lock()
	rp.sessions[id] = s
	rp.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: flowCookie, Path: "/", MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/", HttpOnly: true, Expires: token.Expiry})
	render.JSON(w, r, s)
}

func (rp *relyingParty) session(r *http.Request) (string, *Session) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", nil
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	s, ok := rp.sessions[c.Value]
	if !ok || (!s.ExpiresAt.IsZero() && s.ExpiresAt.Before(time.Now())) {
		return "", nil
	}
	return c.Value, s
}

func (rp *relyingParty) me(w http.ResponseWriter, r *http.Request) {
	_, s := rp.session(r)
	if s == nil {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "not signed in"})
		return
	}
	render.JSON(w, r, s)
}

// logout ends the local session, then the identity service session.
func (rp *relyingParty) logout(w http.ResponseWriter, r *http.Request) {
	id, s := rp.session(r)
	target := "/"
	var discovery struct {
		EndSession string `json:"end_session_endpoint"`
	}
	if err := rp.provider.Claims(&discovery); err == nil && discovery.EndSession != "" {
		q := url.Values{"client_id": {rp.oauth.ClientID}}
		if s != nil {
			q.Set("id_token_hint", s.IDToken)
		}
		target = discovery.EndSession + "?" + q.Encode()
	}
	if id != "" {
		rp.mu.Lock()
		delete(rp.sessions, id)
		rp.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Path: "/", MaxAge: -1})
	http.Redirect(w, r, target, http.StatusFound)
}

func randomString() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
