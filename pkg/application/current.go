package application

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/tendant/tenant-idm/pkg/store"
)

// CurrentCookieName pins the application a browser is signing in to.
const CurrentCookieName = "idm_current_application"

// Current is the application a request is served for. Application is nil
// for this service's own internal client.
type Current struct {
	ID          string
	Application *Application
}

// IsInternal reports whether the request is for the internal client.
func (c Current) IsInternal() bool {
	return c.Application == nil
}

// AutoProvision reports whether unknown external identities may be turned
// into users. The internal client always allows it.
func (c Current) AutoProvision() bool {
	return c.IsInternal() || c.Application.AutoProvision
}

// EnableProvision reports whether self registration is open.
func (c Current) EnableProvision() bool {
	return c.IsInternal() || c.Application.EnableProvision
}

// Connects reports whether the application accepts sign-in through
// providerID. Providers belong to accounts, so the internal client connects
// to none of them.
func (c Current) Connects(providerID string) bool {
	return !c.IsInternal() && slices.Contains(c.Application.ConnectedProviders, providerID)
}

type currentKey struct{}

// WithCurrent returns a context carrying c.
func WithCurrent(ctx context.Context, c Current) context.Context {
	return context.WithValue(ctx, currentKey{}, c)
}

// CurrentFromContext returns the application placed by Resolver.Middleware.
func CurrentFromContext(ctx context.Context) (Current, bool) {
	c, ok := ctx.Value(currentKey{}).(Current)
	return c, ok
}

// Resolver determines the current application of a request.
type Resolver struct {
	repo             *Repository
	internalClientID string
	inFlight         func(*http.Request) string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithInFlightClient supplies the client id of the authorization request in
// progress, which takes precedence over every other source.
func WithInFlightClient(f func(*http.Request) string) ResolverOption {
	return func(r *Resolver) {
		r.inFlight = f
	}
}

// NewResolver creates a resolver falling back to internalClientID.
func NewResolver(repo *Repository, internalClientID string, opts ...ResolverOption) *Resolver {
	res := &Resolver{
		repo:             repo,
		internalClientID: internalClientID,
		inFlight:         func(*http.Request) string { return "" },
	}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// Resolve finds the current application from, in order, the in-flight
// authorization request, the application_id query parameter and the
// current-application cookie. Unknown ids fall back to the internal client.
// explicit is true when the id came from the request itself rather than
// the cookie.
func (res *Resolver) Resolve(r *http.Request) (current Current, explicit bool) {
	id := res.inFlight(r)
	if id == "" {
		id = r.URL.Query().Get("application_id")
	}
	explicit = id != ""
	if id == "" {
		if c, err := r.Cookie(CurrentCookieName); err == nil {
			id = c.Value
		}
	}

	current, found := res.Lookup(r.Context(), id)
	return current, explicit && found
}

// Lookup resolves an application id. Empty and unknown ids resolve to the
// internal client; found is false for unknown ids.
func (res *Resolver) Lookup(ctx context.Context, id string) (current Current, found bool) {
	internal := Current{ID: res.internalClientID}
	if id == "" || id == res.internalClientID {
		return internal, true
	}
	app, _, err := res.repo.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to load current application", "applicationId", id, "err", err)
		}
		return internal, false
	}
	return Current{ID: app.ID, Application: &app}, true
}

// Middleware places the current application in the request context and
// refreshes the cookie when the request named its application explicitly.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current, explicit := res.Resolve(r)
		if explicit {
			SetCurrentCookie(w, current.ID)
		}
		next.ServeHTTP(w, r.WithContext(WithCurrent(r.Context(), current)))
	})
}

// SetCurrentCookie pins id as the current application.
func SetCurrentCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CurrentCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}
