// Package application registers the OAuth client applications of an
// account, with their browser origins, provisioning flags and connected
// external providers.
package application

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/tendant/tenant-idm/pkg/store"
)

const (
	applicationsTable = "applications"
	byAccountTable    = "applications_by_account"
	originsTable      = "application_origins"
	originsByAppTable = "application_origins_by_app"
)

// Application is the tenant configuration of an OAuth client. ID equals the
// client id; redirect URIs live on the client record.
type Application struct {
	ID                 string    `json:"id"`
	AccountID          string    `json:"account_id"`
	DisplayName        string    `json:"display_name"`
	AutoProvision      bool      `json:"auto_provision"`
	EnableProvision    bool      `json:"enable_provision"`
	DefaultOrigin      string    `json:"default_origin,omitempty"`
	Origins            []string  `json:"origins,omitempty"`
	ConnectedProviders []string  `json:"connected_providers,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// AllOrigins returns the default origin followed by the extra origins,
// normalized, mapped to whether each is the default.
func (a Application) AllOrigins() map[string]bool {
	out := make(map[string]bool, len(a.Origins)+1)
	if a.DefaultOrigin != "" {
		out[NormalizeOrigin(a.DefaultOrigin)] = true
	}
	for _, o := range a.Origins {
		n := NormalizeOrigin(o)
		if _, ok := out[n]; !ok {
			out[n] = false
		}
	}
	return out
}

// OriginRow indexes one allowed origin of an application.
type OriginRow struct {
	Origin        string `json:"origin"`
	ApplicationID string `json:"application_id"`
	IsDefault     bool   `json:"is_default"`
}

type accountRow struct {
	AccountID     string `json:"account_id"`
	ApplicationID string `json:"application_id"`
}

// NormalizeOrigin reduces a URI to scheme://host[:port] in lower case, the
// form browsers send in the Origin header. Values that do not parse are
// only trimmed.
func NormalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(origin, "/")
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// Repository persists application configurations and their origin rows.
type Repository struct {
	store store.Store
}

// NewRepository creates an application repository
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// Get loads an application with its version.
func (r *Repository) Get(ctx context.Context, id string) (Application, int64, error) {
	return store.GetJSON[Application](ctx, r.store, applicationsTable, id)
}

// AccountOf returns the owning account of an application, or "" when it
// does not exist.
func (r *Repository) AccountOf(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	app, _, err := r.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return app.AccountID, nil
}

// ListByAccount returns the applications of an account.
func (r *Repository) ListByAccount(ctx context.Context, accountID string) ([]Application, error) {
	rows, err := store.ListJSON[accountRow](ctx, r.store, byAccountTable, store.Prefix(accountID))
	if err != nil {
		return nil, err
	}
	apps := make([]Application, 0, len(rows))
	for _, row := range rows {
		app, _, err := r.Get(ctx, row.ApplicationID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// Origins lists the origin rows of an application.
func (r *Repository) Origins(ctx context.Context, appID string) ([]OriginRow, error) {
	return store.ListJSON[OriginRow](ctx, r.store, originsByAppTable, store.Prefix(appID))
}

// OriginAllowed reports whether any application lists origin.
func (r *Repository) OriginAllowed(ctx context.Context, origin string) (bool, error) {
	items, err := r.store.List(ctx, originsTable, store.Prefix(NormalizeOrigin(origin)))
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

// CreateOps inserts app with its account index and origin rows.
func (r *Repository) CreateOps(app Application) ([]store.Op, error) {
	op, err := store.PutJSON(applicationsTable, app.ID, app, store.MustNotExist)
	if err != nil {
		return nil, err
	}
	idx, err := store.PutJSON(byAccountTable, store.CompositeKey(app.AccountID, app.ID),
		accountRow{AccountID: app.AccountID, ApplicationID: app.ID}, store.MustNotExist)
	if err != nil {
		return nil, err
	}
	originOps, err := originDiffOps(app.ID, nil, app.AllOrigins())
	if err != nil {
		return nil, err
	}
	return append([]store.Op{op, idx}, originOps...), nil
}

// SaveOps writes next at version and diffs its origin rows against prev.
func (r *Repository) SaveOps(prev, next Application, version int64) ([]store.Op, error) {
	op, err := store.PutJSON(applicationsTable, next.ID, next, version)
	if err != nil {
		return nil, err
	}
	originOps, err := originDiffOps(next.ID, prev.AllOrigins(), next.AllOrigins())
	if err != nil {
		return nil, err
	}
	return append([]store.Op{op}, originOps...), nil
}

// DeleteOps removes app with its index and origin rows, conditional on
// version.
func (r *Repository) DeleteOps(app Application, version int64) ([]store.Op, error) {
	ops := []store.Op{
		store.Delete(applicationsTable, app.ID, version),
		store.Delete(byAccountTable, store.CompositeKey(app.AccountID, app.ID), store.AnyVersion),
	}
	originOps, err := originDiffOps(app.ID, app.AllOrigins(), nil)
	if err != nil {
		return nil, err
	}
	return append(ops, originOps...), nil
}

// originDiffOps deletes rows only in prev and puts rows that are new or
// whose default flag changed.
func originDiffOps(appID string, prev, next map[string]bool) ([]store.Op, error) {
	var ops []store.Op
	for origin := range prev {
		if _, ok := next[origin]; ok {
			continue
		}
		ops = append(ops,
			store.Delete(originsTable, store.CompositeKey(origin, appID), store.AnyVersion),
			store.Delete(originsByAppTable, store.CompositeKey(appID, origin), store.AnyVersion),
		)
	}
	for origin, isDefault := range next {
		if wasDefault, ok := prev[origin]; ok && wasDefault == isDefault {
			continue
		}
		row := OriginRow{Origin: origin, ApplicationID: appID, IsDefault: isDefault}
		byOrigin, err := store.PutJSON(originsTable, store.CompositeKey(origin, appID), row, store.AnyVersion)
		if err != nil {
			return nil, err
		}
		byApp, err := store.PutJSON(originsByAppTable, store.CompositeKey(appID, origin), row, store.AnyVersion)
		if err != nil {
			return nil, err
		}
		ops = append(ops, byOrigin, byApp)
	}
	return ops, nil
}
