// Package oidc implements the authorization flow engine behind the
// /connect endpoints: authorize decisions, token exchange, userinfo and
// logout, plus the authorization code store and token minting.
package oidc

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tendant/tenant-idm/pkg/oauth2client"
)

// Response types and grant types understood by the engine.
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"

	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
	GrantImplicit          = "implicit"

	PromptNone  = "none"
	PromptLogin = "login"

	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"

	// AuthorizePath is the interactive authorization endpoint.
	AuthorizePath = "/connect/authorize"
)

// AuthorizationRequest is an authorization endpoint request in flight.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	ResponseMode        string
	Scopes              []string
	State               string
	Nonce               string
	Prompt              string
	MaxAge              int // seconds, -1 when absent
	CodeChallenge       string
	CodeChallengeMethod string
}

// ResponseTypes returns the space separated components of ResponseType.
func (a *AuthorizationRequest) ResponseTypes() []string {
	return strings.Fields(a.ResponseType)
}

// HasResponseType reports whether rt is one of the requested response types.
func (a *AuthorizationRequest) HasResponseType(rt string) bool {
	for _, part := range a.ResponseTypes() {
		if part == rt {
			return true
		}
	}
	return false
}

// UsesFragment reports whether the response is returned in the redirect
// fragment. Any response type that carries a token defaults to fragment.
func (a *AuthorizationRequest) UsesFragment() bool {
	switch a.ResponseMode {
	case ResponseModeFragment:
		return true
	case ResponseModeQuery:
		return false
	}
	return a.HasResponseType(ResponseTypeToken) || a.HasResponseType(ResponseTypeIDToken)
}

// ParseAuthorizationRequest reads an authorization request from the query
// string or form. It returns false when client_id or response_type is
// missing, in which case no request is in flight.
func ParseAuthorizationRequest(values url.Values) (*AuthorizationRequest, bool) {
	req := &AuthorizationRequest{
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		ResponseType:        strings.Join(strings.Fields(values.Get("response_type")), " "),
		ResponseMode:        values.Get("response_mode"),
		Scopes:              oauth2client.ParseScope(values.Get("scope")),
		State:               values.Get("state"),
		Nonce:               values.Get("nonce"),
		Prompt:              values.Get("prompt"),
		MaxAge:              -1,
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
	}
	if v := values.Get("max_age"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			req.MaxAge = n
		}
	}
	if req.ClientID == "" || req.ResponseType == "" {
		return nil, false
	}
	return req, true
}

// ExchangeRequest is a token endpoint request in flight.
type ExchangeRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scopes       []string
}

// ParseExchangeRequest reads a token request from a parsed form. Client
// credentials come from HTTP basic authentication when present, otherwise
// from the form. It returns false when grant_type is missing.
func ParseExchangeRequest(r *http.Request) (*ExchangeRequest, bool) {
	req := &ExchangeRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scopes:       oauth2client.ParseScope(r.PostForm.Get("scope")),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 2.3.1: basic credentials are form-urlencoded.
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
		req.ClientID, req.ClientSecret = id, secret
	}
	if req.GrantType == "" {
		return nil, false
	}
	return req, true
}

type authorizationKey struct{}
type exchangeKey struct{}

// WithAuthorizationRequest returns a context carrying req.
func WithAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) context.Context {
	return context.WithValue(ctx, authorizationKey{}, req)
}

// AuthorizationRequestFromContext returns the in-flight authorization request.
func AuthorizationRequestFromContext(ctx context.Context) (*AuthorizationRequest, bool) {
	req, ok := ctx.Value(authorizationKey{}).(*AuthorizationRequest)
	return req, ok && req != nil
}

// WithExchangeRequest returns a context carrying req.
func WithExchangeRequest(ctx context.Context, req *ExchangeRequest) context.Context {
	return context.WithValue(ctx, exchangeKey{}, req)
}

// ExchangeRequestFromContext returns the in-flight token request.
func ExchangeRequestFromContext(ctx context.Context) (*ExchangeRequest, bool) {
	req, ok := ctx.Value(exchangeKey{}).(*ExchangeRequest)
	return req, ok && req != nil
}

// AuthorizationRequestMiddleware places a well-formed authorization request
// in the context.
func AuthorizationRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err == nil {
			if req, ok := ParseAuthorizationRequest(r.Form); ok {
				r = r.WithContext(WithAuthorizationRequest(r.Context(), req))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ExchangeRequestMiddleware places a well-formed token request in the
// context.
func ExchangeRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err == nil {
			if req, ok := ParseExchangeRequest(r); ok {
				r = r.WithContext(WithExchangeRequest(r.Context(), req))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// InFlightClientID returns the client id of the authorization request a
// request belongs to: the request in the context, the authorization
// endpoint's own query, or the authorization URL carried in the returnUrl
// parameter of the sign-in pages.
func InFlightClientID(r *http.Request) string {
	if req, ok := AuthorizationRequestFromContext(r.Context()); ok {
		return req.ClientID
	}
	if r.URL.Path == AuthorizePath {
		return r.URL.Query().Get("client_id")
	}
	returnURL := r.URL.Query().Get("returnUrl")
	if returnURL == "" {
		return ""
	}
	u, err := url.Parse(returnURL)
	if err != nil || u.Path != AuthorizePath {
		return ""
	}
	if req, ok := ParseAuthorizationRequest(u.Query()); ok {
		return req.ClientID
	}
	return ""
}
