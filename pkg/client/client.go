package client

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// Kind distinguishes end users from OAuth clients acting on their own behalf.
type Kind string

const (
	KindUser   Kind = "user"
	KindClient Kind = "client"
)

// Well-known scopes.
const (
	ScopeOpenID        = "openid"
	ScopeEmail         = "email"
	ScopeProfile       = "profile"
	ScopeRoles         = "roles"
	ScopeLocalAPI      = "local-api"
	ScopeOfflineAccess = "offline_access"
)

// Principal is the authenticated identity a request runs as.
type Principal struct {
	Subject  string    `json:"sub"`
	Kind     Kind      `json:"kind"`
	ClientID string    `json:"client_id,omitempty"`
	Scopes   []string  `json:"scopes,omitempty"`
	Email    string    `json:"email,omitempty"`
	Name     string    `json:"name,omitempty"`
	AuthTime time.Time `json:"auth_time,omitempty"`
}

func (p *Principal) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("sub", p.Subject),
		slog.String("kind", string(p.Kind)),
		slog.String("client_id", p.ClientID),
	)
}

// IsUser reports whether the principal is an authenticated end user.
func (p *Principal) IsUser() bool {
	return p != nil && p.Kind == KindUser && p.Subject != ""
}

// HasScope reports whether scope was granted.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scopes, scope)
}

// contextKey is a value for use with context.WithValue. It's used as
// a pointer so it fits in an interface{} without allocation.
type contextKey struct {
	name string
}

func (k *contextKey) String() string {
	return "idm context value " + k.name
}

var principalKey = &contextKey{"Principal"}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal placed by an authentication
// middleware, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// UserFromContext returns the authenticated end user, if any.
func UserFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || !p.IsUser() {
		return nil, false
	}
	return p, true
}
