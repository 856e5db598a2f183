package login

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/tokengenerator"
	"github.com/tendant/tenant-idm/pkg/user"
)

// SessionCookieName is the default name of the session cookie.
const SessionCookieName = "idm_session"

const (
	tokenUseSession   = "session"
	tokenUseTwoFactor = "2fa"
)

// Sign-in methods recorded in the amr claim.
const (
	MethodPassword = "pwd"
	MethodOTP      = "otp"
	MethodExternal = "ext"
)

// Sessions issues and verifies the browser session cookie. The cookie is an
// RS256 JWT minted by the token generator and verified with jwtauth.
type Sessions struct {
	tokens tokengenerator.TokenGenerator
	auth   *jwtauth.JWTAuth
	cookie *tokengenerator.CookieSetter
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions creates the session manager. auth must verify tokens signed
// by tokens.
func NewSessions(tokens tokengenerator.TokenGenerator, auth *jwtauth.JWTAuth, cookie *tokengenerator.CookieSetter, ttl time.Duration) *Sessions {
	return &Sessions{
		tokens: tokens,
		auth:   auth,
		cookie: cookie,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start signs u in.
func (s *Sessions) Start(w http.ResponseWriter, u user.User, methods ...string) error {
	claims := map[string]interface{}{
		"token_use": tokenUseSession,
		"auth_time": s.now().Unix(),
		"email":     u.Email,
		"name":      u.Name,
		"amr":       methods,
	}
	token, expiresAt, err := s.tokens.GenerateToken(u.ID, s.ttl, nil, claims)
	if err != nil {
		return err
	}
	s.cookie.SetCookie(w, token, expiresAt)
	return nil
}

// End clears the session cookie.
func (s *Sessions) End(w http.ResponseWriter) {
	s.cookie.ClearCookie(w)
}

// Middleware places the session user in the request context when the
// session cookie verifies. Requests that already carry a principal are
// left alone; invalid cookies are ignored.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	attach := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := client.PrincipalFromContext(r.Context()); !ok {
			if p := principalFromClaims(r); p != nil {
				r = r.WithContext(client.WithPrincipal(r.Context(), p))
			}
		}
		next.ServeHTTP(w, r)
	})
	return jwtauth.Verify(s.auth, s.cookie.FromRequest)(attach)
}

func principalFromClaims(r *http.Request) *client.Principal {
	token, claims, err := jwtauth.FromContext(r.Context())
	if err != nil || token == nil {
		return nil
	}
	if use, _ := claims["token_use"].(string); use != tokenUseSession {
		return nil
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	return &client.Principal{
		Subject:  sub,
		Kind:     client.KindUser,
		Email:    email,
		Name:     name,
		AuthTime: unixClaim(claims["auth_time"]),
	}
}

func unixClaim(v interface{}) time.Time {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0).UTC()
	case int64:
		return time.Unix(n, 0).UTC()
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return time.Unix(i, 0).UTC()
		}
	}
	return time.Time{}
}
