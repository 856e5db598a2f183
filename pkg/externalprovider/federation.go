package externalprovider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tendant/tenant-idm/pkg/authz"
	idmerrors "github.com/tendant/tenant-idm/pkg/errors"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/user"
	"golang.org/x/oauth2"
)

var (
	ErrProviderNotFound        = errors.New("external provider not found")
	ErrStateInvalid            = errors.New("invalid or expired sign-in state")
	ErrUnsupportedResponseType = errors.New("response type cannot be used for sign-in")
	ErrUpstreamDenied          = errors.New("upstream provider denied sign-in")
	ErrEmailMissing            = errors.New("upstream identity has no email address")
	ErrDomainNotAllowed        = errors.New("email domain is not allowed for this provider")
	ErrNonceMismatch           = errors.New("ID token nonce does not match")
	ErrProvisioningDisabled    = errors.New("no user exists for this email and provisioning is disabled")
	ErrSubjectMissing          = errors.New("upstream identity has no subject")
	ErrEmailNotVerified        = errors.New("upstream provider has not verified the email address")
	ErrLinkRefused             = errors.New("email belongs to a user outside the provider's account")
)

// Federation signs users in through upstream providers.
type Federation struct {
	repo            *Repository
	secrets         *SecretBox
	users           *user.Service
	members         authz.MemberSource
	baseURL         string
	callbackPrefix  string
	stateExpiration time.Duration
	httpClient      *http.Client
	now             func() time.Time
}

// FederationOption configures a Federation.
type FederationOption func(*Federation)

// WithStateExpiration sets how long a started sign-in stays valid.
func WithStateExpiration(d time.Duration) FederationOption {
	return func(f *Federation) {
		f.stateExpiration = d
	}
}

// WithHTTPClient sets the client used for discovery and token calls.
func WithHTTPClient(client *http.Client) FederationOption {
	return func(f *Federation) {
		f.httpClient = client
	}
}

// WithCallbackPrefix sets the path the external routes are mounted on.
func WithCallbackPrefix(prefix string) FederationOption {
	return func(f *Federation) {
		f.callbackPrefix = strings.TrimRight(prefix, "/")
	}
}

// NewFederation creates a federation service. baseURL is the public URL of
// this service; callbacks land on {baseURL}/api/external/{providerID}/callback
// unless WithCallbackPrefix moves them. members decides which existing users
// a provider may link to.
func NewFederation(repo *Repository, secrets *SecretBox, users *user.Service, members authz.MemberSource, baseURL string, opts ...FederationOption) *Federation {
	f := &Federation{
		repo:            repo,
		secrets:         secrets,
		users:           users,
		members:         members,
		baseURL:         strings.TrimRight(baseURL, "/"),
		callbackPrefix:  "/api/external",
		stateExpiration: 10 * time.Minute,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CallbackURL is the redirect URI registered with the upstream provider.
func (f *Federation) CallbackURL(providerID string) string {
	return f.baseURL + f.callbackPrefix + "/" + url.PathEscape(providerID) + "/callback"
}

// Provider returns a stored provider.
func (f *Federation) Provider(ctx context.Context, providerID string) (ExternalProvider, error) {
	p, _, err := f.repo.Get(ctx, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return ExternalProvider{}, ErrProviderNotFound
	}
	return p, err
}

type upstream struct {
	provider *oidc.Provider
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

func (f *Federation) discover(ctx context.Context, p ExternalProvider) (context.Context, *upstream, error) {
	ctx = oidc.ClientContext(ctx, f.httpClient)
	op, err := oidc.NewProvider(ctx, p.Authority)
	if err != nil {
		return ctx, nil, idmerrors.Wrap(err, idmerrors.ErrCodeUpstreamUnavailable, "OIDC discovery failed")
	}
	secret, err := f.secrets.Open(p.ClientSecret)
	if err != nil {
		return ctx, nil, fmt.Errorf("open client secret of provider %s: %w", p.ID, err)
	}
	return ctx, &upstream{
		provider: op,
		config: &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: secret,
			RedirectURL:  f.CallbackURL(p.ID),
			Scopes:       p.RequestedScopes(),
			Endpoint:     op.Endpoint(),
		},
		verifier: op.Verifier(&oidc.Config{ClientID: p.ClientID, Now: f.now}),
	}, nil
}

// Start begins an upstream sign-in and returns the URL to redirect the
// browser to. applicationID and returnURL are carried through to Callback.
func (f *Federation) Start(ctx context.Context, providerID, applicationID, returnURL string) (string, error) {
	p, err := f.Provider(ctx, providerID)
	if err != nil {
		return "", err
	}
	if p.ResponseType == ResponseTypeNone {
		return "", ErrUnsupportedResponseType
	}

	ctx, up, err := f.discover(ctx, p)
	if err != nil {
		return "", err
	}

	st := State{
		ProviderID:    p.ID,
		ApplicationID: applicationID,
		ReturnURL:     returnURL,
		ExpiresAt:     f.now().Add(f.stateExpiration),
	}
	if st.State, err = generateSecureState(); err != nil {
		return "", err
	}
	if st.Nonce, err = generateSecureState(); err != nil {
		return "", err
	}

	opts := []oauth2.AuthCodeOption{oidc.Nonce(st.Nonce)}
	if p.ResponseType == ResponseTypeCode {
		st.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(st.CodeVerifier))
	} else {
		// Implicit upstream responses are posted back to the callback.
		opts = append(opts,
			oauth2.SetAuthURLParam("response_type", p.ResponseType),
			oauth2.SetAuthURLParam("response_mode", "form_post"))
	}

	if err := f.repo.SaveState(ctx, st); err != nil {
		return "", fmt.Errorf("save sign-in state: %w", err)
	}
	slog.Info("External sign-in started", "providerId", p.ID, "applicationId", applicationID)
	return up.config.AuthCodeURL(st.State, opts...), nil
}

// Callback completes an upstream sign-in from the callback parameters
// (query string or posted form). The state is consumed whether or not the
// sign-in succeeds.
func (f *Federation) Callback(ctx context.Context, providerID string, params url.Values) (ExternalUserInfo, State, error) {
	if e := params.Get("error"); e != "" {
		slog.Info("Upstream sign-in denied", "providerId", providerID, "error", e, "description", params.Get("error_description"))
		return ExternalUserInfo{}, State{}, fmt.Errorf("%w: %s", ErrUpstreamDenied, e)
	}

	st, err := f.repo.TakeState(ctx, params.Get("state"), f.now())
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) || (err == nil && st.ProviderID != providerID) {
		return ExternalUserInfo{}, State{}, ErrStateInvalid
	}
	if err != nil {
		return ExternalUserInfo{}, State{}, fmt.Errorf("load sign-in state: %w", err)
	}

	p, err := f.Provider(ctx, providerID)
	if err != nil {
		return ExternalUserInfo{}, st, err
	}
	ctx, up, err := f.discover(ctx, p)
	if err != nil {
		return ExternalUserInfo{}, st, err
	}

	var info ExternalUserInfo
	switch p.ResponseType {
	case ResponseTypeCode:
		tok, err := up.config.Exchange(ctx, params.Get("code"), oauth2.VerifierOption(st.CodeVerifier))
		if err != nil {
			return ExternalUserInfo{}, st, idmerrors.Wrap(err, idmerrors.ErrCodeUpstreamUnavailable, "code exchange failed")
		}
		rawIDToken, _ := tok.Extra("id_token").(string)
		info, err = f.identityFromIDToken(ctx, up, rawIDToken, st.Nonce)
		if err != nil {
			return ExternalUserInfo{}, st, err
		}
	case ResponseTypeIDToken:
		info, err = f.identityFromIDToken(ctx, up, params.Get("id_token"), st.Nonce)
		if err != nil {
			return ExternalUserInfo{}, st, err
		}
	case ResponseTypeToken:
		info, err = f.identityFromUserInfo(ctx, up, params.Get("access_token"))
		if err != nil {
			return ExternalUserInfo{}, st, err
		}
	default:
		return ExternalUserInfo{}, st, ErrUnsupportedResponseType
	}
	info.ProviderID = p.ID

	if info.Email == "" {
		return ExternalUserInfo{}, st, ErrEmailMissing
	}
	if len(p.RequiredDomains) > 0 && !p.RequiresDomain(info.Domain()) {
		slog.Warn("External sign-in from a domain outside the provider's domains", "providerId", p.ID, "domain", info.Domain())
		return ExternalUserInfo{}, st, ErrDomainNotAllowed
	}
	slog.Info("External sign-in completed", "providerId", p.ID, "externalId", info.ExternalID)
	return info, st, nil
}

type identityClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

func (f *Federation) identityFromIDToken(ctx context.Context, up *upstream, raw, nonce string) (ExternalUserInfo, error) {
	if raw == "" {
		return ExternalUserInfo{}, idmerrors.New(idmerrors.ErrCodeTokenInvalid, "upstream response has no ID token")
	}
	idToken, err := up.verifier.Verify(ctx, raw)
	if err != nil {
		return ExternalUserInfo{}, idmerrors.Wrap(err, idmerrors.ErrCodeTokenInvalid, "ID token verification failed")
	}
	if idToken.Nonce != nonce {
		return ExternalUserInfo{}, ErrNonceMismatch
	}
	var claims identityClaims
	if err := idToken.Claims(&claims); err != nil {
		return ExternalUserInfo{}, fmt.Errorf("decode ID token claims: %w", err)
	}
	return ExternalUserInfo{
		ExternalID:    idToken.Subject,
		Email:         user.NormalizeEmail(claims.Email),
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}

func (f *Federation) identityFromUserInfo(ctx context.Context, up *upstream, accessToken string) (ExternalUserInfo, error) {
	if accessToken == "" {
		return ExternalUserInfo{}, idmerrors.New(idmerrors.ErrCodeTokenInvalid, "upstream response has no access token")
	}
	ui, err := up.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
	if err != nil {
		return ExternalUserInfo{}, idmerrors.Wrap(err, idmerrors.ErrCodeUpstreamUnavailable, "userinfo request failed")
	}
	var claims identityClaims
	if err := ui.Claims(&claims); err != nil {
		return ExternalUserInfo{}, fmt.Errorf("decode userinfo claims: %w", err)
	}
	return ExternalUserInfo{
		ExternalID:    ui.Subject,
		Email:         user.NormalizeEmail(ui.Email),
		EmailVerified: ui.EmailVerified,
		Name:          claims.Name,
	}, nil
}

// ResolveUser finds the local user for an upstream identity.
//
// A subject already bound to a user resolves to that user. Otherwise an
// existing user with the same email is linked only when the upstream
// verified the address and the user is a member of the provider's account.
// When no user has the email and autoProvision is set, an external-only
// user is created and bound in the same batch.
func (f *Federation) ResolveUser(ctx context.Context, info ExternalUserInfo, autoProvision bool) (user.User, error) {
	if info.ExternalID == "" {
		return user.User{}, ErrSubjectMissing
	}
	p, err := f.Provider(ctx, info.ProviderID)
	if err != nil {
		return user.User{}, err
	}

	// A lost race on the binding or the email index is retried once, after
	// which the winner's rows are visible.
	for attempt := 0; ; attempt++ {
		u, err := f.resolveOnce(ctx, p, info, autoProvision)
		if errors.Is(err, store.ErrConflict) && attempt == 0 {
			continue
		}
		return u, err
	}
}

func (f *Federation) resolveOnce(ctx context.Context, p ExternalProvider, info ExternalUserInfo, autoProvision bool) (user.User, error) {
	bound, err := f.repo.GetLogin(ctx, p.ID, info.ExternalID)
	if err == nil {
		return f.users.Get(ctx, bound.UserID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return user.User{}, fmt.Errorf("load external login: %w", err)
	}

	link := ExternalLogin{ProviderID: p.ID, Subject: info.ExternalID, CreatedAt: f.now()}

	existing, err := f.users.FindByEmail(ctx, info.Email)
	switch {
	case err == nil:
		if err := f.mayLink(ctx, p, info, existing); err != nil {
			return user.User{}, err
		}
		link.UserID = existing.ID
		op, err := f.repo.LoginOp(link)
		if err != nil {
			return user.User{}, err
		}
		if err := f.repo.store.Apply(ctx, op); err != nil {
			return user.User{}, err
		}
		slog.Info("External login linked to existing user", "userId", existing.ID, "providerId", p.ID)
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return user.User{}, err
	}

	if !autoProvision {
		return user.User{}, ErrProvisioningDisabled
	}
	u, err := f.users.Build(info.Email, info.Name, "")
	if err != nil {
		return user.User{}, err
	}
	u.EmailVerified = info.EmailVerified
	ops, err := f.users.Repository().CreateOps(u)
	if err != nil {
		return user.User{}, err
	}
	link.UserID = u.ID
	op, err := f.repo.LoginOp(link)
	if err != nil {
		return user.User{}, err
	}
	if err := f.repo.store.Apply(ctx, append(ops, op)...); err != nil {
		return user.User{}, err
	}
	slog.Info("User provisioned from external provider", "userId", u.ID, "providerId", p.ID)
	return u, nil
}

// mayLink allows binding an upstream identity to an existing user only for
// a verified email of a member of the provider's account.
func (f *Federation) mayLink(ctx context.Context, p ExternalProvider, info ExternalUserInfo, u user.User) error {
	if !info.EmailVerified {
		slog.Warn("External login refused for unverified email", "providerId", p.ID, "userId", u.ID)
		return ErrEmailNotVerified
	}
	if f.members == nil {
		return ErrLinkRefused
	}
	members, err := f.members.Members(ctx, p.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrLinkRefused
	}
	if err != nil {
		return fmt.Errorf("load members of account %s: %w", p.AccountID, err)
	}
	if _, ok := members[u.ID]; !ok {
		slog.Warn("External login refused for user outside the provider's account", "providerId", p.ID, "accountId", p.AccountID, "userId", u.ID)
		return ErrLinkRefused
	}
	return nil
}

// generateSecureState returns 32 random bytes, hex encoded.
func generateSecureState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
