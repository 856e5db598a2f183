package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/tenant-idm/pkg/account"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/metrics"
	"github.com/tendant/tenant-idm/pkg/oauth2client"
	"github.com/tendant/tenant-idm/pkg/pkce"
	"github.com/tendant/tenant-idm/pkg/response"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/tracing"
	"github.com/tendant/tenant-idm/pkg/user"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// UserSource loads the users tokens are minted for.
type UserSource interface {
	Get(ctx context.Context, id string) (user.User, error)
}

// RoleSource lists a user's account memberships for the roles claim.
type RoleSource interface {
	MembershipsForUser(ctx context.Context, userID string) ([]account.Membership, error)
}

// Decision is the outcome of a valid authorization request. Either
// Challenge is set and the user must sign in first, or Principal carries
// the identity and granted scopes to issue for.
type Decision struct {
	Request   *AuthorizationRequest
	Client    *oauth2client.OAuth2Client
	Principal *client.Principal
	Challenge bool
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// LogoutRequest carries the optional end-session parameters.
type LogoutRequest struct {
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
}

// LogoutResult holds where to send the browser after sign-out. RedirectURI
// is empty when no trusted post-logout URI was given.
type LogoutResult struct {
	RedirectURI string
}

var supportedGrantTypes = []string{GrantClientCredentials, GrantRefreshToken, GrantAuthorizationCode}

// Engine decides authorization and token requests.
type Engine struct {
	clients *oauth2client.ClientService
	users   UserSource
	roles   RoleSource
	codes   *CodeStore
	tokens  *TokenService

	codeLifespan time.Duration
	now          func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCodeLifespan sets how long authorization codes stay redeemable.
func WithCodeLifespan(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.codeLifespan = d
	}
}

// WithClock replaces the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine wires the engine's collaborators.
func NewEngine(clients *oauth2client.ClientService, users UserSource, roles RoleSource, codes *CodeStore, tokens *TokenService, opts ...EngineOption) *Engine {
	e := &Engine{
		clients:      clients,
		users:        users,
		roles:        roles,
		codes:        codes,
		tokens:       tokens,
		codeLifespan: DefaultCodeLifespan,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tokens returns the token service, which also introspects access tokens.
func (e *Engine) Tokens() *TokenService {
	return e.tokens
}

func recordDecision(outcome string) {
	metrics.AuthorizeDecisions.WithLabelValues(outcome).Inc()
}

// Authorize decides the authorization request in ctx for the signed-in user
// in ctx, if any. A failed result carries the denial; TrustedRedirect tells
// whether it may be sent back to the client.
func (e *Engine) Authorize(ctx context.Context) (response.Result[Decision], error) {
	ctx, span := tracing.Start(ctx, "oidc.Authorize")
	defer span.End()

	req, ok := AuthorizationRequestFromContext(ctx)
	if !ok {
		recordDecision(CodeNoAuthorizationRequestInProgress)
		return deny[Decision](CodeNoAuthorizationRequestInProgress, "No authorization request is in progress."), nil
	}

	res, err := e.authorize(ctx, req)
	if err != nil {
		return res, err
	}
	switch {
	case !res.IsValid():
		recordDecision(res.Errors()[0].Code)
		slog.Info("Authorization request denied", "clientId", req.ClientID, "code", res.Errors()[0].Code)
	case res.Value().Challenge:
		recordDecision("challenge")
	default:
		recordDecision("granted")
	}
	return res, nil
}

func (e *Engine) authorize(ctx context.Context, req *AuthorizationRequest) (response.Result[Decision], error) {
	c, err := e.clients.ValidateAuthorizationRequest(ctx, req.ClientID, req.RedirectURI, req.ResponseType, req.Scopes)
	switch {
	case errors.Is(err, oauth2client.ErrClientNotFound):
		return deny[Decision](CodeInvalidClient, "The client application is not registered."), nil
	case errors.Is(err, oauth2client.ErrInvalidRedirectURI):
		return deny[Decision](CodeInvalidRedirectURI, "The redirect_uri is not registered for this client."), nil
	case errors.Is(err, oauth2client.ErrUnsupportedResponseType):
		return deny[Decision](CodeUnsupportedResponseType, "The response_type is not allowed for this client."), nil
	case errors.Is(err, oauth2client.ErrInvalidScope):
		return deny[Decision](CodeInvalidScope, "A requested scope is not allowed for this client."), nil
	case err != nil:
		return response.Result[Decision]{}, err
	}

	if req.CodeChallenge != "" || req.CodeChallengeMethod != "" {
		if req.CodeChallenge == "" {
			return deny[Decision](CodeInvalidRequest, "code_challenge_method requires a code_challenge."), nil
		}
		if _, err := pkce.ParseMethod(req.CodeChallengeMethod); err != nil {
			return deny[Decision](CodeInvalidRequest, "The code_challenge_method is not supported."), nil
		}
	} else if req.HasResponseType(ResponseTypeCode) && !c.IsConfidential() {
		return deny[Decision](CodeInvalidRequest, "Public clients must use PKCE."), nil
	}
	if req.HasResponseType(ResponseTypeIDToken) {
		if !slices.Contains(req.Scopes, client.ScopeOpenID) {
			return deny[Decision](CodeInvalidRequest, "The id_token response type requires the openid scope."), nil
		}
		if req.Nonce == "" {
			return deny[Decision](CodeInvalidRequest, "The id_token response type requires a nonce."), nil
		}
	}

	decision := Decision{Request: req, Client: c}
	session, signedIn := client.UserFromContext(ctx)
	var u user.User
	if signedIn {
		u, err = e.users.Get(ctx, session.Subject)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("Session refers to a missing user", "userId", session.Subject)
			signedIn = false
		} else if err != nil {
			return response.Result[Decision]{}, fmt.Errorf("load user %s: %w", session.Subject, err)
		}
	}
	fresh := signedIn && (req.MaxAge < 0 || !e.now().After(session.AuthTime.Add(time.Duration(req.MaxAge)*time.Second)))

	if req.Prompt == PromptNone {
		if !fresh {
			return deny[Decision](CodeLoginRequired, "The user must sign in."), nil
		}
	} else if !fresh || req.Prompt == PromptLogin {
		decision.Challenge = true
		return response.Ok(decision), nil
	}

	decision.Principal = &client.Principal{
		Subject:  u.ID,
		Kind:     client.KindUser,
		ClientID: c.ClientID,
		Scopes:   grantScopes(req.Scopes, c.PermittedScopes()),
		Email:    u.Email,
		Name:     u.Name,
		AuthTime: session.AuthTime,
	}
	return response.Ok(decision), nil
}

func grantScopes(requested, permitted []string) []string {
	granted := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(permitted, s) {
			granted = append(granted, s)
		}
	}
	return granted
}

// Issue completes a granted decision and returns the redirect that carries
// the authorization response: a code in the query, or tokens in the
// fragment for implicit response types.
func (e *Engine) Issue(ctx context.Context, d Decision) (string, error) {
	if d.Principal == nil || d.Request == nil {
		return "", errors.New("issue requires a granted decision")
	}
	req, p := d.Request, d.Principal
	params := url.Values{}

	if req.HasResponseType(ResponseTypeCode) {
		now := e.now()
		code, err := e.codes.Issue(ctx, AuthorizationCode{
			ClientID:            p.ClientID,
			RedirectURI:         req.RedirectURI,
			Scopes:              p.Scopes,
			UserID:              p.Subject,
			Nonce:               req.Nonce,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			AuthTime:            p.AuthTime,
			ExpiresAt:           now.Add(e.codeLifespan),
			CreatedAt:           now,
		})
		if err != nil {
			return "", err
		}
		params.Set("code", code)
	}
	if req.HasResponseType(ResponseTypeToken) {
		at, err := e.tokens.AccessToken(p)
		if err != nil {
			return "", fmt.Errorf("mint access token: %w", err)
		}
		params.Set("access_token", at.Value)
		params.Set("token_type", "Bearer")
		params.Set("expires_in", strconv.FormatInt(int64(at.ExpiresAt.Sub(e.now()).Seconds()), 10))
		params.Set("scope", strings.Join(p.Scopes, " "))
	}
	if req.HasResponseType(ResponseTypeIDToken) {
		idt, err := e.tokens.IDToken(p, req.Nonce)
		if err != nil {
			return "", fmt.Errorf("mint id token: %w", err)
		}
		params.Set("id_token", idt.Value)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}

	slog.Info("Authorization granted", "clientId", p.ClientID, "userId", p.Subject, "responseType", req.ResponseType)
	return AppendResponse(req.RedirectURI, params, req.UsesFragment()), nil
}

// AppendResponse adds params to redirectURI, in the fragment when fragment
// is set and the query otherwise.
func AppendResponse(redirectURI string, params url.Values, fragment bool) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	if fragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// TrustedRedirect returns the redirect URI of the request in ctx when it is
// registered for the request's client, so that a denial can be sent back to
// the client instead of shown to the user.
func (e *Engine) TrustedRedirect(ctx context.Context) (string, bool) {
	req, ok := AuthorizationRequestFromContext(ctx)
	if !ok {
		return "", false
	}
	c, err := e.clients.GetClient(ctx, req.ClientID)
	if err != nil || !c.ValidateRedirectURI(req.RedirectURI) {
		return "", false
	}
	return req.RedirectURI, true
}

type exchangeGrant struct {
	principal *client.Principal
	client    *oauth2client.OAuth2Client
	nonce     string
}

// Exchange decides the token request in ctx and returns the principal
// tokens are to be minted for. A client credentials grant yields a client
// principal; the other grants yield the user principal.
func (e *Engine) Exchange(ctx context.Context) (response.Result[*client.Principal], error) {
	res, err := e.exchange(ctx)
	if err != nil {
		return response.Result[*client.Principal]{}, err
	}
	if !res.IsValid() {
		return response.Fail[*client.Principal](res.Errors()...), nil
	}
	return response.Ok(res.Value().principal), nil
}

func (e *Engine) exchange(ctx context.Context) (response.Result[exchangeGrant], error) {
	ctx, span := tracing.Start(ctx, "oidc.Exchange")
	defer span.End()

	req, ok := ExchangeRequestFromContext(ctx)
	if !ok {
		return deny[exchangeGrant](CodeNoAuthorizationRequestInProgress, "No token request is in progress."), nil
	}
	res, err := e.decideExchange(ctx, req)
	switch {
	case err != nil:
		metrics.TokenExchanges.WithLabelValues(metricGrant(req.GrantType), "error").Inc()
	case !res.IsValid():
		metrics.TokenExchanges.WithLabelValues(metricGrant(req.GrantType), res.Errors()[0].Code).Inc()
		slog.Info("Token request denied", "grantType", req.GrantType, "clientId", req.ClientID, "code", res.Errors()[0].Code)
	default:
		metrics.TokenExchanges.WithLabelValues(metricGrant(req.GrantType), "granted").Inc()
	}
	return res, err
}

// metricGrant bounds the grant_type label to known values.
func metricGrant(grantType string) string {
	if slices.Contains(supportedGrantTypes, grantType) || grantType == GrantImplicit {
		return grantType
	}
	return "other"
}

func (e *Engine) decideExchange(ctx context.Context, req *ExchangeRequest) (response.Result[exchangeGrant], error) {
	if !slices.Contains(supportedGrantTypes, req.GrantType) {
		return deny[exchangeGrant](CodeUnsupportedGrantType, "The grant type is not supported."), nil
	}

	c, err := e.clients.ValidateClientCredentials(ctx, req.ClientID, req.ClientSecret)
	if errors.Is(err, oauth2client.ErrClientNotFound) || errors.Is(err, oauth2client.ErrInvalidClientCredentials) {
		return deny[exchangeGrant](CodeInvalidClient, "Client authentication failed."), nil
	}
	if err != nil {
		return response.Result[exchangeGrant]{}, err
	}
	if !c.HasPermission(oauth2client.PermTokenEndpoint) || !c.AllowsGrantType(req.GrantType) {
		return deny[exchangeGrant](CodeUnauthorizedClient, "The client is not allowed to use this grant type."), nil
	}

	switch req.GrantType {
	case GrantClientCredentials:
		return e.clientCredentials(c, req), nil
	case GrantAuthorizationCode:
		return e.authorizationCode(ctx, c, req)
	default:
		return e.refreshToken(ctx, c, req)
	}
}

func (e *Engine) clientCredentials(c *oauth2client.OAuth2Client, req *ExchangeRequest) response.Result[exchangeGrant] {
	if !c.IsConfidential() {
		return deny[exchangeGrant](CodeUnauthorizedClient, "Public clients cannot use client credentials.")
	}
	if slices.Contains(req.Scopes, client.ScopeOpenID) || slices.Contains(req.Scopes, client.ScopeOfflineAccess) || !c.ValidateScope(req.Scopes) {
		return deny[exchangeGrant](CodeInvalidScope, "A requested scope is not allowed for this grant.")
	}
	return response.Ok(exchangeGrant{
		client: c,
		principal: &client.Principal{
			Subject:  c.ClientID,
			Kind:     client.KindClient,
			ClientID: c.ClientID,
			Scopes:   req.Scopes,
			Name:     c.ClientName,
		},
	})
}

func (e *Engine) authorizationCode(ctx context.Context, c *oauth2client.OAuth2Client, req *ExchangeRequest) (response.Result[exchangeGrant], error) {
	grant, err := e.codes.Take(ctx, req.Code, e.now())
	if errors.Is(err, store.ErrNotFound) {
		return deny[exchangeGrant](CodeInvalidGrant, "The authorization code is invalid or expired."), nil
	}
	if err != nil {
		return response.Result[exchangeGrant]{}, err
	}
	if grant.ClientID != c.ClientID || grant.RedirectURI != req.RedirectURI {
		return deny[exchangeGrant](CodeInvalidGrant, "The authorization code was issued to another client or redirect_uri."), nil
	}
	if grant.CodeChallenge != "" {
		method, _ := pkce.ParseMethod(grant.CodeChallengeMethod)
		if err := pkce.Verify(req.CodeVerifier, grant.CodeChallenge, method); err != nil {
			return deny[exchangeGrant](CodeInvalidGrant, "The code_verifier does not match the code_challenge."), nil
		}
	} else if req.CodeVerifier != "" {
		return deny[exchangeGrant](CodeInvalidGrant, "No code_challenge was sent with the authorization request."), nil
	}

	u, err := e.users.Get(ctx, grant.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return deny[exchangeGrant](CodeInvalidGrant, "The user no longer exists."), nil
	}
	if err != nil {
		return response.Result[exchangeGrant]{}, err
	}
	return response.Ok(exchangeGrant{
		client: c,
		nonce:  grant.Nonce,
		principal: &client.Principal{
			Subject:  u.ID,
			Kind:     client.KindUser,
			ClientID: c.ClientID,
			Scopes:   grant.Scopes,
			Email:    u.Email,
			Name:     u.Name,
			AuthTime: grant.AuthTime,
		},
	}), nil
}

func (e *Engine) refreshToken(ctx context.Context, c *oauth2client.OAuth2Client, req *ExchangeRequest) (response.Result[exchangeGrant], error) {
	prev, err := e.tokens.ParseRefreshToken(req.RefreshToken)
	if err != nil || prev.ClientID != c.ClientID || !prev.IsUser() {
		return deny[exchangeGrant](CodeInvalidGrant, "The refresh token is invalid."), nil
	}
	scopes, ok := narrowScopes(prev.Scopes, req.Scopes)
	if !ok {
		return deny[exchangeGrant](CodeInvalidScope, "A refreshed token cannot widen the granted scopes."), nil
	}

	u, err := e.users.Get(ctx, prev.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return deny[exchangeGrant](CodeInvalidGrant, "The user no longer exists."), nil
	}
	if err != nil {
		return response.Result[exchangeGrant]{}, err
	}
	return response.Ok(exchangeGrant{
		client: c,
		principal: &client.Principal{
			Subject:  u.ID,
			Kind:     client.KindUser,
			ClientID: c.ClientID,
			Scopes:   scopes,
			Email:    u.Email,
			Name:     u.Name,
			AuthTime: prev.AuthTime,
		},
	}), nil
}

// Token decides the token request in ctx and mints its tokens. An ID token
// is added for users when openid was granted; a new refresh token when
// offline_access was granted and the client may refresh.
func (e *Engine) Token(ctx context.Context) (response.Result[TokenResponse], error) {
	res, err := e.exchange(ctx)
	if err != nil {
		return response.Result[TokenResponse]{}, err
	}
	if !res.IsValid() {
		return response.Fail[TokenResponse](res.Errors()...), nil
	}
	g := res.Value()
	p := g.principal

	at, err := e.tokens.AccessToken(p)
	if err != nil {
		return response.Result[TokenResponse]{}, fmt.Errorf("mint access token: %w", err)
	}
	out := TokenResponse{
		AccessToken: at.Value,
		TokenType:   "Bearer",
		ExpiresIn:   int64(at.ExpiresAt.Sub(e.now()).Seconds()),
		Scope:       strings.Join(p.Scopes, " "),
	}
	if p.IsUser() && p.HasScope(client.ScopeOpenID) {
		idt, err := e.tokens.IDToken(p, g.nonce)
		if err != nil {
			return response.Result[TokenResponse]{}, fmt.Errorf("mint id token: %w", err)
		}
		out.IDToken = idt.Value
	}
	if p.IsUser() && p.HasScope(client.ScopeOfflineAccess) && g.client.AllowsGrantType(GrantRefreshToken) {
		rt, err := e.tokens.RefreshToken(p)
		if err != nil {
			return response.Result[TokenResponse]{}, fmt.Errorf("mint refresh token: %w", err)
		}
		out.RefreshToken = rt.Value
	}
	return response.Ok(out), nil
}

// UserInfo returns the standard claims of the bearer principal in ctx,
// filtered by the scopes granted to its token. roles maps account ids to
// the user's role on them.
func (e *Engine) UserInfo(ctx context.Context) (response.Result[map[string]any], error) {
	p, ok := client.UserFromContext(ctx)
	if !ok {
		return deny[map[string]any](validation.CodeNotAuthenticated, "A user access token is required."), nil
	}
	u, err := e.users.Get(ctx, p.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return deny[map[string]any](validation.CodeNotAuthenticated, "The user no longer exists."), nil
	}
	if err != nil {
		return response.Result[map[string]any]{}, fmt.Errorf("load user %s: %w", p.Subject, err)
	}

	claims := map[string]any{"sub": u.ID}
	if p.HasScope(client.ScopeEmail) {
		claims["email"] = u.Email
		claims["email_verified"] = u.EmailVerified
	}
	if p.HasScope(client.ScopeProfile) {
		claims["name"] = u.Name
	}
	if p.HasScope(client.ScopeRoles) {
		memberships, err := e.roles.MembershipsForUser(ctx, u.ID)
		if err != nil {
			return response.Result[map[string]any]{}, fmt.Errorf("load memberships of %s: %w", u.ID, err)
		}
		roles := make(map[string]string, len(memberships))
		for _, m := range memberships {
			roles[m.AccountID] = m.Role.String()
		}
		claims["roles"] = roles
	}
	return response.Ok(claims), nil
}

// Logout ends the sign-in. It always succeeds; the browser is only sent to
// the post-logout URI when the client registered it.
func (e *Engine) Logout(ctx context.Context, req LogoutRequest) (response.Result[LogoutResult], error) {
	if req.PostLogoutRedirectURI == "" || req.ClientID == "" {
		return response.Ok(LogoutResult{}), nil
	}
	c, err := e.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		slog.Debug("Logout for unknown client", "clientId", req.ClientID, "err", err)
		return response.Ok(LogoutResult{}), nil
	}
	if !c.HasPermission(oauth2client.PermLogoutEndpoint) || !c.ValidatePostLogoutRedirectURI(req.PostLogoutRedirectURI) {
		slog.Info("Ignoring untrusted post-logout redirect", "clientId", req.ClientID)
		return response.Ok(LogoutResult{}), nil
	}
	redirect := req.PostLogoutRedirectURI
	if req.State != "" {
		redirect = AppendResponse(redirect, url.Values{"state": {req.State}}, false)
	}
	return response.Ok(LogoutResult{RedirectURI: redirect}), nil
}
