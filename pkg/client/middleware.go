package client

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/jwtauth/v5"
	"github.com/tendant/tenant-idm/pkg/response"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// TokenIntrospector validates an access token and returns the principal it
// was issued for.
type TokenIntrospector interface {
	IntrospectAccessToken(ctx context.Context, token string) (*Principal, error)
}

// BearerAuth authenticates the management API. The token must come from the
// Authorization header, pass introspection and carry requiredScope. Every
// failure is answered with 401 and a Bearer challenge.
func BearerAuth(introspector TokenIntrospector, requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := jwtauth.TokenFromHeader(r)
			if token == "" {
				slog.Debug("Missing bearer token", "path", r.URL.Path)
				unauthorized(w, r, "")
				return
			}

			principal, err := introspector.IntrospectAccessToken(r.Context(), token)
			if err != nil {
				slog.Debug("Bearer token rejected", "path", r.URL.Path, "err", err)
				unauthorized(w, r, "invalid_token")
				return
			}

			if requiredScope != "" && !principal.HasScope(requiredScope) {
				slog.Warn("Bearer token lacks required scope",
					"sub", principal.Subject,
					"scopes", principal.Scopes,
					"requiredScope", requiredScope)
				unauthorized(w, r, "insufficient_scope")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireUser rejects requests without an authenticated end user.
// Must be used after an authentication middleware.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			slog.Debug("Unauthenticated request to protected resource", "path", r.URL.Path)
			unauthorized(w, r, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, errorCode string) {
	challenge := `Bearer realm="local-api"`
	if errorCode != "" {
		challenge += `, error="` + errorCode + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	response.RenderErrors(w, r, validation.New(validation.CodeNotAuthenticated, "Authentication is required.", ""))
}
