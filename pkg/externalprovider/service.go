package externalprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/tendant/tenant-idm/pkg/authz"
	"github.com/tendant/tenant-idm/pkg/dispatch"
	"github.com/tendant/tenant-idm/pkg/response"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// CodeInvalidResponseType rejects response types outside ResponseTypes.
const CodeInvalidResponseType = "InvalidResponseType"

const maxDisplayNameLength = 200

// Input is the editable part of a provider, shared by Create and Edit.
type Input struct {
	DisplayName     string   `json:"displayName"`
	Authority       string   `json:"authority"`
	ClientID        string   `json:"clientId"`
	ClientSecret    string   `json:"clientSecret,omitempty"`
	ResponseType    string   `json:"responseType"`
	IsDefault       bool     `json:"isDefault"`
	IsVisible       bool     `json:"isVisible"`
	Scopes          []string `json:"scopes,omitempty"`
	RequiredDomains []string `json:"requiredDomains,omitempty"`
}

// CreateRequest registers a provider for AccountID.
type CreateRequest struct {
	AccountID string `json:"accountId"`
	Input
}

// EditRequest replaces the configuration of provider ID. An empty client
// secret keeps the stored one.
type EditRequest struct {
	ID string `json:"id"`
	Input
}

// DeleteRequest removes provider ID.
type DeleteRequest struct {
	ID string `json:"id"`
}

// ListRequest lists the providers of AccountID.
type ListRequest struct {
	AccountID string `json:"accountId"`
}

// View is a provider as returned to administrators. The client secret is
// never returned.
type View struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	DisplayName     string    `json:"displayName"`
	Authority       string    `json:"authority"`
	ClientID        string    `json:"clientId"`
	HasClientSecret bool      `json:"hasClientSecret"`
	ResponseType    string    `json:"responseType"`
	IsDefault       bool      `json:"isDefault"`
	IsVisible       bool      `json:"isVisible"`
	Scopes          []string  `json:"scopes"`
	RequiredDomains []string  `json:"requiredDomains"`
	CreatedAt       time.Time `json:"createdAt"`
}

// NewView maps a stored provider to its administrative view.
func NewView(p ExternalProvider) View {
	var v View
	copier.Copy(&v, &p)
	v.HasClientSecret = p.ClientSecret != ""
	return v
}

// Service implements the provider registry commands.
type Service struct {
	repo    *Repository
	store   store.Store
	secrets *SecretBox
	now     func() time.Time

	create dispatch.Command[CreateRequest, View]
	edit   dispatch.Command[EditRequest, View]
	remove dispatch.Command[DeleteRequest, struct{}]
	list   dispatch.Command[ListRequest, []View]
}

// NewService wires the provider commands. Edit and Delete resolve the owning
// account from the stored provider.
func NewService(s store.Store, repo *Repository, secrets *SecretBox, guard authz.Checker) *Service {
	svc := &Service{
		repo:    repo,
		store:   s,
		secrets: secrets,
		now:     func() time.Time { return time.Now().UTC() },
	}
	storedAccount := func(ctx context.Context, id string) (string, error) { return repo.AccountOf(ctx, id) }

	svc.create = dispatch.Command[CreateRequest, View]{
		Name: "provider.create",
		Validate: validation.Cascade(
			authz.RequireRole(guard, authz.FromRequest(func(r CreateRequest) string { return r.AccountID }), authz.ManagerRoles...),
			validation.Nested(func(r CreateRequest) Input { return r.Input }, inputRules()),
		),
		Handle: svc.handleCreate,
	}

	svc.edit = dispatch.Command[EditRequest, View]{
		Name: "provider.edit",
		Validate: validation.Cascade(
			validation.Field("id", func(r EditRequest) string { return r.ID }, validation.NotEmpty),
			authz.RequireRole(guard, func(ctx context.Context, r EditRequest) (string, error) {
				return storedAccount(ctx, r.ID)
			}, authz.ManagerRoles...),
			validation.Nested(func(r EditRequest) Input { return r.Input }, inputRules()),
		),
		Handle: svc.handleEdit,
	}

	svc.remove = dispatch.Command[DeleteRequest, struct{}]{
		Name: "provider.delete",
		Validate: validation.Cascade(
			validation.Field("id", func(r DeleteRequest) string { return r.ID }, validation.NotEmpty),
			authz.RequireRole(guard, func(ctx context.Context, r DeleteRequest) (string, error) {
				return storedAccount(ctx, r.ID)
			}, authz.ManagerRoles...),
		),
		Handle: svc.handleDelete,
	}

	svc.list = dispatch.Command[ListRequest, []View]{
		Name: "provider.list",
		Validate: authz.RequireRole(guard, authz.FromRequest(func(r ListRequest) string { return r.AccountID }),
			authz.Reader, authz.Administrator, authz.Owner),
		Handle: func(ctx context.Context, r ListRequest) ([]View, error) {
			providers, err := repo.ListByAccount(ctx, r.AccountID)
			if err != nil {
				return nil, err
			}
			views := make([]View, 0, len(providers))
			for _, p := range providers {
				views = append(views, NewView(p))
			}
			return views, nil
		},
	}

	return svc
}

// Create registers a provider.
func (s *Service) Create(ctx context.Context, req CreateRequest) (response.Result[View], error) {
	return dispatch.Send(ctx, s.create, req)
}

// Edit replaces a provider's configuration.
func (s *Service) Edit(ctx context.Context, req EditRequest) (response.Result[View], error) {
	return dispatch.Send(ctx, s.edit, req)
}

// Delete removes a provider and its domain rows.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (response.Result[struct{}], error) {
	return dispatch.Send(ctx, s.remove, req)
}

// List returns the providers of an account.
func (s *Service) List(ctx context.Context, req ListRequest) (response.Result[[]View], error) {
	return dispatch.Send(ctx, s.list, req)
}

func inputRules() validation.Rule[Input] {
	return validation.All(
		validation.Field("displayName", func(i Input) string { return i.DisplayName },
			validation.NotEmpty, validation.MaxLength(maxDisplayNameLength)),
		validation.Field("authority", func(i Input) string { return i.Authority },
			validation.NotEmpty, validation.AbsoluteURI),
		validation.Field("clientId", func(i Input) string { return i.ClientID }, validation.NotEmpty),
		validation.Field("responseType", func(i Input) string { return i.ResponseType }, responseType),
		validation.Field("requiredDomains", func(i Input) []string { return i.RequiredDomains },
			validation.Each(validation.Domain)),
	)
}

func responseType(property, v string) *validation.Error {
	if slices.Contains(ResponseTypes, v) {
		return nil
	}
	err := validation.New(CodeInvalidResponseType, "'"+property+"' must be one of: code, id_token, none, token.", property)
	return &err
}

func normalizeDomains(domains []string) []string {
	var out []string
	for _, d := range domains {
		d = NormalizeDomain(d)
		if d != "" && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

func (s *Service) apply(p *ExternalProvider, in Input) error {
	p.DisplayName = in.DisplayName
	p.Authority = in.Authority
	p.ClientID = in.ClientID
	p.ResponseType = in.ResponseType
	p.IsDefault = in.IsDefault
	p.IsVisible = in.IsVisible
	p.Scopes = in.Scopes
	p.RequiredDomains = normalizeDomains(in.RequiredDomains)
	if in.ClientSecret != "" {
		sealed, err := s.secrets.Seal(in.ClientSecret)
		if err != nil {
			return err
		}
		p.ClientSecret = sealed
	}
	return nil
}

// clearDefaultOps unsets IsDefault on the account's other providers so at
// most one provider per account is the default.
func (s *Service) clearDefaultOps(ctx context.Context, accountID, keepID string) ([]store.Op, error) {
	providers, err := s.repo.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var ops []store.Op
	for _, other := range providers {
		if other.ID == keepID || !other.IsDefault {
			continue
		}
		_, version, err := s.repo.Get(ctx, other.ID)
		if err != nil {
			return nil, err
		}
		other.IsDefault = false
		op, err := store.PutJSON(providersTable, other.ID, other, version)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *Service) handleCreate(ctx context.Context, r CreateRequest) (View, error) {
	p := ExternalProvider{
		ID:        uuid.NewString(),
		AccountID: r.AccountID,
		CreatedAt: s.now(),
	}
	if err := s.apply(&p, r.Input); err != nil {
		return View{}, err
	}

	_, err := store.RetryOnConflict(ctx, 0, func() (struct{}, error) {
		ops, err := s.repo.CreateOps(p)
		if err != nil {
			return struct{}{}, err
		}
		if p.IsDefault {
			clear, err := s.clearDefaultOps(ctx, p.AccountID, p.ID)
			if err != nil {
				return struct{}{}, err
			}
			ops = append(ops, clear...)
		}
		return struct{}{}, s.store.Apply(ctx, ops...)
	})
	if err != nil {
		return View{}, fmt.Errorf("create provider: %w", err)
	}
	slog.Info("External provider created", "providerId", p.ID, "accountId", p.AccountID, "authority", p.Authority)
	return NewView(p), nil
}

func (s *Service) handleEdit(ctx context.Context, r EditRequest) (View, error) {
	next, err := store.RetryOnConflict(ctx, 0, func() (ExternalProvider, error) {
		prev, version, err := s.repo.Get(ctx, r.ID)
		if err != nil {
			return ExternalProvider{}, err
		}
		next := prev
		if err := s.apply(&next, r.Input); err != nil {
			return ExternalProvider{}, err
		}
		ops, err := s.repo.SaveOps(prev, next, version)
		if err != nil {
			return ExternalProvider{}, err
		}
		if next.IsDefault {
			clear, err := s.clearDefaultOps(ctx, next.AccountID, next.ID)
			if err != nil {
				return ExternalProvider{}, err
			}
			ops = append(ops, clear...)
		}
		return next, s.store.Apply(ctx, ops...)
	})
	if errors.Is(err, store.ErrNotFound) {
		return View{}, notAuthorized()
	}
	if err != nil {
		return View{}, fmt.Errorf("edit provider %s: %w", r.ID, err)
	}
	slog.Info("External provider updated", "providerId", next.ID, "accountId", next.AccountID)
	return NewView(next), nil
}

func (s *Service) handleDelete(ctx context.Context, r DeleteRequest) (struct{}, error) {
	_, err := store.RetryOnConflict(ctx, 0, func() (struct{}, error) {
		p, version, err := s.repo.Get(ctx, r.ID)
		if err != nil {
			return struct{}{}, err
		}
		ops, err := s.repo.DeleteOps(p, version)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.store.Apply(ctx, ops...)
	})
	if errors.Is(err, store.ErrNotFound) {
		return struct{}{}, notAuthorized()
	}
	if err != nil {
		return struct{}{}, fmt.Errorf("delete provider %s: %w", r.ID, err)
	}
	slog.Info("External provider deleted", "providerId", r.ID)
	return struct{}{}, nil
}

func notAuthorized() validation.Errors {
	return validation.Errors{validation.New(validation.CodeNotAuthorized, "You are not authorized to perform this action.", "")}
}
