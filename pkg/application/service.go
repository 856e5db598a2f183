package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"github.com/tendant/tenant-idm/pkg/authz"
	"github.com/tendant/tenant-idm/pkg/dispatch"
	"github.com/tendant/tenant-idm/pkg/oauth2client"
	"github.com/tendant/tenant-idm/pkg/response"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// Application validation codes.
const (
	CodeDuplicateOrigin  = "DuplicateOrigin"
	CodeProviderNotFound = "ProviderNotFound"
)

const maxDisplayNameLength = 200

// ProviderDirectory answers questions about external providers.
// externalprovider.Repository implements it.
type ProviderDirectory interface {
	AccountOf(ctx context.Context, providerID string) (string, error)
	ProvidersForDomain(ctx context.Context, domain string) ([]string, error)
}

// Input is the editable part of an application, shared by Create and Edit.
type Input struct {
	DisplayName            string   `json:"displayName"`
	RedirectURIs           []string `json:"redirectUris"`
	PostLogoutRedirectURIs []string `json:"postLogoutRedirectUris"`
	AutoProvision          *bool    `json:"autoProvision"`
	EnableProvision        *bool    `json:"enableProvision"`
	DefaultOrigin          string   `json:"defaultOrigin,omitempty"`
	Origins                []string `json:"origins,omitempty"`
	ConnectedProviders     []string `json:"connectedProviders,omitempty"`
}

// CreateRequest registers an application for AccountID.
type CreateRequest struct {
	AccountID string `json:"accountId"`
	Input
}

// EditRequest replaces the configuration of application ID.
type EditRequest struct {
	ID string `json:"id"`
	Input
}

// IDRequest targets a single application.
type IDRequest struct {
	ID string `json:"id"`
}

// ListRequest lists the applications of AccountID.
type ListRequest struct {
	AccountID string `json:"accountId"`
}

// DomainRequirementsRequest asks which provider, if any, must be used to
// sign in with an address in Domain.
type DomainRequirementsRequest struct {
	ApplicationID string `json:"applicationId"`
	Domain        string `json:"domain"`
}

// DomainRequirement names the provider to force. Empty means none.
type DomainRequirement struct {
	ProviderID string `json:"providerId,omitempty"`
}

// View is an application as returned to administrators.
type View struct {
	ID                     string    `json:"id"`
	AccountID              string    `json:"accountId"`
	DisplayName            string    `json:"displayName"`
	RedirectURIs           []string  `json:"redirectUris"`
	PostLogoutRedirectURIs []string  `json:"postLogoutRedirectUris"`
	AutoProvision          bool      `json:"autoProvision"`
	EnableProvision        bool      `json:"enableProvision"`
	DefaultOrigin          string    `json:"defaultOrigin,omitempty"`
	Origins                []string  `json:"origins"`
	ConnectedProviders     []string  `json:"connectedProviders"`
	CreatedAt              time.Time `json:"createdAt"`
}

// Registered is returned once when an application is created or its secret
// is regenerated. The secret cannot be read back later.
type Registered struct {
	View
	ClientSecret string `json:"clientSecret"`
}

func newView(app Application, c *oauth2client.OAuth2Client) View {
	var v View
	copier.Copy(&v, &app)
	if c != nil {
		v.RedirectURIs = c.RedirectURIs
		v.PostLogoutRedirectURIs = c.PostLogoutRedirectURIs
	}
	return v
}

// Service implements the application registry commands.
type Service struct {
	repo      *Repository
	store     store.Store
	clients   *oauth2client.ClientService
	providers ProviderDirectory
	now       func() time.Time

	create       dispatch.Command[CreateRequest, Registered]
	edit         dispatch.Command[EditRequest, View]
	remove       dispatch.Command[IDRequest, struct{}]
	get          dispatch.Command[IDRequest, View]
	list         dispatch.Command[ListRequest, []View]
	regenerate   dispatch.Command[IDRequest, Registered]
	requirements dispatch.Command[DomainRequirementsRequest, DomainRequirement]
}

// NewService wires the application commands. Edit, Delete and the other
// commands on an existing application resolve its account from the stored
// configuration, never from the request.
func NewService(s store.Store, repo *Repository, clients *oauth2client.ClientService, providers ProviderDirectory, guard authz.Checker) *Service {
	svc := &Service{
		repo:      repo,
		store:     s,
		clients:   clients,
		providers: providers,
		now:       func() time.Time { return time.Now().UTC() },
	}
	storedAccount := func(ctx context.Context, r IDRequest) (string, error) { return repo.AccountOf(ctx, r.ID) }
	anyRole := []authz.Role{authz.Reader, authz.Administrator, authz.Owner}

	svc.create = dispatch.Command[CreateRequest, Registered]{
		Name: "application.create",
		Validate: validation.Cascade(
			authz.RequireRole(guard, authz.FromRequest(func(r CreateRequest) string { return r.AccountID }), authz.ManagerRoles...),
			validation.All(
				validation.Nested(func(r CreateRequest) Input { return r.Input }, inputRules()),
				connectedProviders(providers, func(ctx context.Context, r CreateRequest) (string, Input, error) {
					return r.AccountID, r.Input, nil
				}),
			),
		),
		Handle: svc.handleCreate,
	}

	svc.edit = dispatch.Command[EditRequest, View]{
		Name: "application.edit",
		Validate: validation.Cascade(
			validation.Field("id", func(r EditRequest) string { return r.ID }, validation.NotEmpty),
			authz.RequireRole(guard, func(ctx context.Context, r EditRequest) (string, error) {
				return repo.AccountOf(ctx, r.ID)
			}, authz.ManagerRoles...),
			validation.All(
				validation.Nested(func(r EditRequest) Input { return r.Input }, inputRules()),
				connectedProviders(providers, func(ctx context.Context, r EditRequest) (string, Input, error) {
					accountID, err := repo.AccountOf(ctx, r.ID)
					return accountID, r.Input, err
				}),
			),
		),
		Handle: svc.handleEdit,
	}

	svc.remove = dispatch.Command[IDRequest, struct{}]{
		Name: "application.delete",
		Validate: validation.Cascade(
			validation.Field("id", func(r IDRequest) string { return r.ID }, validation.NotEmpty),
			authz.RequireRole(guard, storedAccount, authz.ManagerRoles...),
		),
		Handle: svc.handleDelete,
	}

	svc.get = dispatch.Command[IDRequest, View]{
		Name: "application.get",
		Validate: validation.Cascade(
			validation.Field("id", func(r IDRequest) string { return r.ID }, validation.NotEmpty),
			authz.RequireRole(guard, storedAccount, anyRole...),
		),
		Handle: func(ctx context.Context, r IDRequest) (View, error) {
			app, _, err := repo.Get(ctx, r.ID)
			if errors.Is(err, store.ErrNotFound) {
				return View{}, notAuthorized()
			}
			if err != nil {
				return View{}, err
			}
			c, err := clients.GetClient(ctx, app.ID)
			if err != nil {
				return View{}, err
			}
			return newView(app, c), nil
		},
	}

	svc.list = dispatch.Command[ListRequest, []View]{
		Name:     "application.list",
		Validate: authz.RequireRole(guard, authz.FromRequest(func(r ListRequest) string { return r.AccountID }), anyRole...),
		Handle:   svc.handleList,
	}

	svc.regenerate = dispatch.Command[IDRequest, Registered]{
		Name: "application.regenerateSecret",
		Validate: validation.Cascade(
			validation.Field("id", func(r IDRequest) string { return r.ID }, validation.NotEmpty),
			authz.RequireRole(guard, storedAccount, authz.ManagerRoles...),
		),
		Handle: svc.handleRegenerate,
	}

	svc.requirements = dispatch.Command[DomainRequirementsRequest, DomainRequirement]{
		Name:     "application.domainRequirements",
		Validate: validation.Field("domain", func(r DomainRequirementsRequest) string { return r.Domain }, validation.NotEmpty),
		Handle:   svc.handleDomainRequirements,
	}

	return svc
}

// Create registers an application and its OAuth client.
func (s *Service) Create(ctx context.Context, req CreateRequest) (response.Result[Registered], error) {
	return dispatch.Send(ctx, s.create, req)
}

// Edit replaces an application's configuration.
func (s *Service) Edit(ctx context.Context, req EditRequest) (response.Result[View], error) {
	return dispatch.Send(ctx, s.edit, req)
}

// Delete removes an application, its client and its origin rows.
func (s *Service) Delete(ctx context.Context, req IDRequest) (response.Result[struct{}], error) {
	return dispatch.Send(ctx, s.remove, req)
}

// Get returns an application to a member of its account.
func (s *Service) Get(ctx context.Context, req IDRequest) (response.Result[View], error) {
	return dispatch.Send(ctx, s.get, req)
}

// List returns the applications of an account.
func (s *Service) List(ctx context.Context, req ListRequest) (response.Result[[]View], error) {
	return dispatch.Send(ctx, s.list, req)
}

// RegenerateSecret replaces the client secret of an application.
func (s *Service) RegenerateSecret(ctx context.Context, req IDRequest) (response.Result[Registered], error) {
	return dispatch.Send(ctx, s.regenerate, req)
}

// DomainRequirements returns the provider that must be used for Domain when
// signing in to the application. Anonymous callers may ask.
func (s *Service) DomainRequirements(ctx context.Context, req DomainRequirementsRequest) (response.Result[DomainRequirement], error) {
	return dispatch.Send(ctx, s.requirements, req)
}

func inputRules() validation.Rule[Input] {
	return validation.All(
		validation.Field("displayName", func(i Input) string { return i.DisplayName },
			validation.NotEmpty, validation.MaxLength(maxDisplayNameLength)),
		validation.Field("autoProvision", func(i Input) *bool { return i.AutoProvision }, validation.NotNil[bool]),
		validation.Field("enableProvision", func(i Input) *bool { return i.EnableProvision }, validation.NotNil[bool]),
		validation.Field("redirectUris", func(i Input) []string { return i.RedirectURIs }, validation.Each(requiredURI)),
		validation.Field("postLogoutRedirectUris", func(i Input) []string { return i.PostLogoutRedirectURIs }, validation.Each(requiredURI)),
		validation.Field("defaultOrigin", func(i Input) string { return i.DefaultOrigin }, validation.AbsoluteURI),
		originRules,
	)
}

// requiredURI rejects empty entries as well as relative ones.
func requiredURI(property, v string) *validation.Error {
	if validation.IsAbsoluteURI(v) {
		return nil
	}
	err := validation.New(validation.CodeInvalidUri, "'"+property+"' must be an absolute URI.", property)
	return &err
}

// originRules keeps the extra origins disjoint from the default origin and
// from each other, and empty when there is no default origin.
func originRules(ctx context.Context, in Input) validation.Errors {
	if strings.TrimSpace(in.DefaultOrigin) == "" {
		if len(in.Origins) > 0 {
			return validation.Errors{validation.New(validation.CodeEmpty,
				"'origins' must be empty when 'defaultOrigin' is not set.", "origins")}
		}
		return nil
	}

	var errs validation.Errors
	seen := map[string]bool{NormalizeOrigin(in.DefaultOrigin): true}
	for i, o := range in.Origins {
		property := "origins[" + strconv.Itoa(i) + "]"
		if err := requiredURI(property, o); err != nil {
			errs = append(errs, *err)
			continue
		}
		n := NormalizeOrigin(o)
		if seen[n] {
			errs = append(errs, validation.New(CodeDuplicateOrigin,
				"'"+o+"' is already the default origin or listed twice.", property))
			continue
		}
		seen[n] = true
	}
	return errs
}

// connectedProviders requires every connected provider to belong to the
// application's account.
func connectedProviders[T any](providers ProviderDirectory, resolve func(ctx context.Context, r T) (string, Input, error)) validation.Rule[T] {
	return func(ctx context.Context, r T) validation.Errors {
		accountID, in, err := resolve(ctx, r)
		if err != nil {
			slog.Warn("Failed to resolve application account", "err", err)
			return notAuthorized()
		}
		var errs validation.Errors
		for i, id := range in.ConnectedProviders {
			owner, err := providers.AccountOf(ctx, id)
			if err != nil {
				slog.Warn("Failed to look up provider", "providerId", id, "err", err)
			}
			if err != nil || owner == "" || owner != accountID {
				property := "connectedProviders[" + strconv.Itoa(i) + "]"
				errs = append(errs, validation.New(CodeProviderNotFound, "Provider '"+id+"' does not exist in this account.", property))
			}
		}
		return errs
	}
}

func notAuthorized() validation.Errors {
	return validation.Errors{validation.New(validation.CodeNotAuthorized, "You are not authorized to perform this action.", "")}
}

func clientParams(in Input) oauth2client.ClientParams {
	return oauth2client.ClientParams{
		ClientName:             in.DisplayName,
		ClientType:             oauth2client.ClientTypeConfidential,
		RedirectURIs:           in.RedirectURIs,
		PostLogoutRedirectURIs: in.PostLogoutRedirectURIs,
		Permissions:            oauth2client.ApplicationPermissions,
	}
}

func applyInput(app *Application, in Input) {
	app.DisplayName = in.DisplayName
	app.AutoProvision = *in.AutoProvision
	app.EnableProvision = *in.EnableProvision
	app.DefaultOrigin = in.DefaultOrigin
	app.Origins = in.Origins
	app.ConnectedProviders = slices.Compact(slices.Sorted(slices.Values(in.ConnectedProviders)))
}

func (s *Service) handleCreate(ctx context.Context, r CreateRequest) (Registered, error) {
	c, secret, err := s.clients.NewClient(clientParams(r.Input))
	if err != nil {
		return Registered{}, err
	}
	app := Application{ID: c.ClientID, AccountID: r.AccountID, CreatedAt: s.now()}
	applyInput(&app, r.Input)

	clientOp, err := s.clients.Repository().PutOp(c, store.MustNotExist)
	if err != nil {
		return Registered{}, err
	}
	ops, err := s.repo.CreateOps(app)
	if err != nil {
		return Registered{}, err
	}
	if err := s.store.Apply(ctx, append(ops, clientOp)...); err != nil {
		return Registered{}, fmt.Errorf("create application: %w", err)
	}
	slog.Info("Application created", "applicationId", app.ID, "accountId", app.AccountID)
	return Registered{View: newView(app, c), ClientSecret: secret}, nil
}

func (s *Service) handleEdit(ctx context.Context, r EditRequest) (View, error) {
	type edited struct {
		app    Application
		client *oauth2client.OAuth2Client
	}
	res, err := store.RetryOnConflict(ctx, 0, func() (edited, error) {
		prev, version, err := s.repo.Get(ctx, r.ID)
		if err != nil {
			return edited{}, err
		}
		c, clientVersion, err := s.clients.Repository().GetClient(ctx, r.ID)
		if err != nil {
			return edited{}, err
		}

		next := prev
		applyInput(&next, r.Input)
		c.ClientName = next.DisplayName
		c.RedirectURIs = r.RedirectURIs
		c.PostLogoutRedirectURIs = r.PostLogoutRedirectURIs

		ops, err := s.repo.SaveOps(prev, next, version)
		if err != nil {
			return edited{}, err
		}
		clientOp, err := s.clients.Repository().PutOp(c, clientVersion)
		if err != nil {
			return edited{}, err
		}
		return edited{app: next, client: c}, s.store.Apply(ctx, append(ops, clientOp)...)
	})
	if errors.Is(err, store.ErrNotFound) {
		return View{}, notAuthorized()
	}
	if err != nil {
		return View{}, fmt.Errorf("edit application %s: %w", r.ID, err)
	}
	slog.Info("Application updated", "applicationId", r.ID)
	return newView(res.app, res.client), nil
}

func (s *Service) handleDelete(ctx context.Context, r IDRequest) (struct{}, error) {
	_, err := store.RetryOnConflict(ctx, 0, func() (struct{}, error) {
		app, version, err := s.repo.Get(ctx, r.ID)
		if err != nil {
			return struct{}{}, err
		}
		ops, err := s.repo.DeleteOps(app, version)
		if err != nil {
			return struct{}{}, err
		}
		ops = append(ops, s.clients.Repository().DeleteOp(app.ID))
		return struct{}{}, s.store.Apply(ctx, ops...)
	})
	if errors.Is(err, store.ErrNotFound) {
		return struct{}{}, notAuthorized()
	}
	if err != nil {
		return struct{}{}, fmt.Errorf("delete application %s: %w", r.ID, err)
	}
	slog.Info("Application deleted", "applicationId", r.ID)
	return struct{}{}, nil
}

func (s *Service) handleList(ctx context.Context, r ListRequest) ([]View, error) {
	apps, err := s.repo.ListByAccount(ctx, r.AccountID)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(apps))
	for _, app := range apps {
		c, err := s.clients.GetClient(ctx, app.ID)
		if err != nil {
			slog.Warn("Application without client record", "applicationId", app.ID, "err", err)
			c = nil
		}
		views = append(views, newView(app, c))
	}
	return views, nil
}

func (s *Service) handleRegenerate(ctx context.Context, r IDRequest) (Registered, error) {
	app, _, err := s.repo.Get(ctx, r.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Registered{}, notAuthorized()
	}
	if err != nil {
		return Registered{}, err
	}
	secret, err := oauth2client.GenerateSecret()
	if err != nil {
		return Registered{}, err
	}
	c, err := store.RetryOnConflict(ctx, 0, func() (*oauth2client.OAuth2Client, error) {
		c, version, err := s.clients.Repository().GetClient(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if err := s.clients.SetSecret(c, secret); err != nil {
			return nil, err
		}
		op, err := s.clients.Repository().PutOp(c, version)
		if err != nil {
			return nil, err
		}
		return c, s.store.Apply(ctx, op)
	})
	if err != nil {
		return Registered{}, fmt.Errorf("regenerate secret of %s: %w", r.ID, err)
	}
	slog.Info("Application secret regenerated", "applicationId", r.ID)
	return Registered{View: newView(app, c), ClientSecret: secret}, nil
}

func (s *Service) handleDomainRequirements(ctx context.Context, r DomainRequirementsRequest) (DomainRequirement, error) {
	domain := r.Domain
	if at := strings.LastIndex(domain, "@"); at >= 0 {
		domain = domain[at+1:]
	}
	app, _, err := s.repo.Get(ctx, r.ApplicationID)
	if errors.Is(err, store.ErrNotFound) {
		// The internal client and unknown applications connect no providers.
		return DomainRequirement{}, nil
	}
	if err != nil {
		return DomainRequirement{}, err
	}
	ids, err := s.providers.ProvidersForDomain(ctx, domain)
	if err != nil {
		return DomainRequirement{}, err
	}
	slices.Sort(ids)
	for _, id := range ids {
		if slices.Contains(app.ConnectedProviders, id) {
			return DomainRequirement{ProviderID: id}, nil
		}
	}
	return DomainRequirement{}, nil
}
