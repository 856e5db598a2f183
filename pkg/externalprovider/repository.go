package externalprovider

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/tendant/tenant-idm/pkg/store"
)

const (
	providersTable         = "oidc_providers"
	providersByAccount     = "oidc_providers_by_account"
	domainsTable           = "provider_domains"
	domainsByProviderTable = "provider_domains_by_provider"
	statesTable            = "external_states"
	loginsTable            = "external_logins"
)

type domainRow struct {
	Domain     string `json:"domain"`
	ProviderID string `json:"provider_id"`
}

type accountRow struct {
	AccountID  string `json:"account_id"`
	ProviderID string `json:"provider_id"`
}

// Repository persists providers together with their account index and
// required-domain rows.
type Repository struct {
	store store.Store
}

// NewRepository creates a provider repository
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// Get loads a provider with its version.
func (r *Repository) Get(ctx context.Context, id string) (ExternalProvider, int64, error) {
	return store.GetJSON[ExternalProvider](ctx, r.store, providersTable, id)
}

// AccountOf returns the owning account of a provider, or "" when it does
// not exist.
func (r *Repository) AccountOf(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	p, _, err := r.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.AccountID, nil
}

// ListByAccount returns the providers an account owns.
func (r *Repository) ListByAccount(ctx context.Context, accountID string) ([]ExternalProvider, error) {
	rows, err := store.ListJSON[accountRow](ctx, r.store, providersByAccount, store.Prefix(accountID))
	if err != nil {
		return nil, err
	}
	out := make([]ExternalProvider, 0, len(rows))
	for _, row := range rows {
		p, _, err := r.Get(ctx, row.ProviderID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ProvidersForDomain returns the ids of providers requiring domain.
func (r *Repository) ProvidersForDomain(ctx context.Context, domain string) ([]string, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return nil, nil
	}
	rows, err := store.ListJSON[domainRow](ctx, r.store, domainsTable, store.Prefix(domain))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ProviderID)
	}
	return ids, nil
}

// CreateOps inserts p with its account index and domain rows.
func (r *Repository) CreateOps(p ExternalProvider) ([]store.Op, error) {
	op, err := store.PutJSON(providersTable, p.ID, p, store.MustNotExist)
	if err != nil {
		return nil, err
	}
	idx, err := store.PutJSON(providersByAccount, store.CompositeKey(p.AccountID, p.ID),
		accountRow{AccountID: p.AccountID, ProviderID: p.ID}, store.MustNotExist)
	if err != nil {
		return nil, err
	}
	domainOps, err := domainDiffOps(p.ID, nil, p.RequiredDomains)
	if err != nil {
		return nil, err
	}
	return append([]store.Op{op, idx}, domainOps...), nil
}

// SaveOps writes next at version and diffs its domain rows against prev.
func (r *Repository) SaveOps(prev, next ExternalProvider, version int64) ([]store.Op, error) {
	op, err := store.PutJSON(providersTable, next.ID, next, version)
	if err != nil {
		return nil, err
	}
	domainOps, err := domainDiffOps(next.ID, prev.RequiredDomains, next.RequiredDomains)
	if err != nil {
		return nil, err
	}
	return append([]store.Op{op}, domainOps...), nil
}

// DeleteOps removes p with all of its rows, conditional on version.
func (r *Repository) DeleteOps(p ExternalProvider, version int64) ([]store.Op, error) {
	ops := []store.Op{
		store.Delete(providersTable, p.ID, version),
		store.Delete(providersByAccount, store.CompositeKey(p.AccountID, p.ID), store.AnyVersion),
	}
	domainOps, err := domainDiffOps(p.ID, p.RequiredDomains, nil)
	if err != nil {
		return nil, err
	}
	return append(ops, domainOps...), nil
}

// domainDiffOps deletes the rows of domains only in prev and puts the rows of
// domains only in next.
func domainDiffOps(providerID string, prev, next []string) ([]store.Op, error) {
	var ops []store.Op
	for _, d := range prev {
		if slices.Contains(next, d) {
			continue
		}
		ops = append(ops,
			store.Delete(domainsTable, store.CompositeKey(d, providerID), store.AnyVersion),
			store.Delete(domainsByProviderTable, store.CompositeKey(providerID, d), store.AnyVersion),
		)
	}
	for _, d := range next {
		if slices.Contains(prev, d) {
			continue
		}
		row := domainRow{Domain: d, ProviderID: providerID}
		byDomain, err := store.PutJSON(domainsTable, store.CompositeKey(d, providerID), row, store.AnyVersion)
		if err != nil {
			return nil, err
		}
		byProvider, err := store.PutJSON(domainsByProviderTable, store.CompositeKey(providerID, d), row, store.AnyVersion)
		if err != nil {
			return nil, err
		}
		ops = append(ops, byDomain, byProvider)
	}
	return ops, nil
}

// SaveState stores a sign-in state.
func (r *Repository) SaveState(ctx context.Context, st State) error {
	op, err := store.PutJSON(statesTable, st.State, st, store.MustNotExist)
	if err != nil {
		return err
	}
	return r.store.Apply(ctx, op)
}

// TakeState loads and deletes a state in one step so it can be used once.
// Expired states are deleted and reported as not found.
func (r *Repository) TakeState(ctx context.Context, state string, now time.Time) (State, error) {
	st, version, err := store.GetJSON[State](ctx, r.store, statesTable, state)
	if err != nil {
		return State{}, err
	}
	if err := r.store.Apply(ctx, store.Delete(statesTable, state, version)); err != nil {
		return State{}, err
	}
	if now.After(st.ExpiresAt) {
		return State{}, store.ErrNotFound
	}
	return st, nil
}

// GetLogin loads the user binding of an upstream subject.
func (r *Repository) GetLogin(ctx context.Context, providerID, subject string) (ExternalLogin, error) {
	l, _, err := store.GetJSON[ExternalLogin](ctx, r.store, loginsTable, store.CompositeKey(providerID, subject))
	return l, err
}

// LoginOp claims the (provider, subject) binding for a user. It conflicts
// when the subject is already bound.
func (r *Repository) LoginOp(l ExternalLogin) (store.Op, error) {
	return store.PutJSON(loginsTable, store.CompositeKey(l.ProviderID, l.Subject), l, store.MustNotExist)
}
