package authz

import (
	"context"
	"log/slog"
	"slices"

	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// MemberSource returns the member map of an account. Implementations return
// an error when the account does not exist.
type MemberSource interface {
	Members(ctx context.Context, accountID string) (map[string]Role, error)
}

// Guard answers "does the current principal hold one of these roles on the
// account". It is a pure read.
type Guard struct {
	members MemberSource
}

// NewGuard creates a guard backed by members
func NewGuard(members MemberSource) *Guard {
	return &Guard{members: members}
}

// HasRole reports whether the authenticated user in ctx holds one of roles
// on accountID. Unknown accounts, missing principals and lookup failures all
// answer false.
func (g *Guard) HasRole(ctx context.Context, accountID string, roles ...Role) bool {
	if accountID == "" {
		return false
	}
	principal, ok := client.UserFromContext(ctx)
	if !ok {
		return false
	}
	members, err := g.members.Members(ctx, accountID)
	if err != nil {
		slog.Debug("Role check failed to load account", "accountId", accountID, "err", err)
		return false
	}
	role, ok := members[principal.Subject]
	if !ok {
		return false
	}
	return slices.Contains(roles, role)
}

// Checker is the part of Guard that validation rules depend on.
type Checker interface {
	HasRole(ctx context.Context, accountID string, roles ...Role) bool
}

// AccountResolver finds the account that owns the target of a request. It
// returns "" when the target does not exist.
type AccountResolver[T any] func(ctx context.Context, req T) (string, error)

// RequireRole builds a validation rule that fails with NotAuthenticated when
// no user is signed in and with NotAuthorized when the user lacks every role
// on the resolved account. A missing target is reported as NotAuthorized so
// callers cannot probe for existence.
func RequireRole[T any](checker Checker, resolve AccountResolver[T], roles ...Role) validation.Rule[T] {
	return func(ctx context.Context, req T) validation.Errors {
		if _, ok := client.UserFromContext(ctx); !ok {
			return validation.Errors{validation.New(validation.CodeNotAuthenticated, "Authentication is required.", "")}
		}
		accountID, err := resolve(ctx, req)
		if err != nil {
			slog.Warn("Failed to resolve owning account", "err", err)
		}
		if err != nil || !checker.HasRole(ctx, accountID, roles...) {
			return validation.Errors{validation.New(validation.CodeNotAuthorized, "You are not authorized to perform this action.", "")}
		}
		return nil
	}
}

// FromRequest resolves the account directly from the request. Only Create
// commands may trust a caller-supplied account id.
func FromRequest[T any](accountID func(T) string) AccountResolver[T] {
	return func(ctx context.Context, req T) (string, error) {
		return accountID(req), nil
	}
}
