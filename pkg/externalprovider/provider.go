// Package externalprovider keeps the per-account registry of external OpenID
// Connect identity providers and signs users in through them.
//
// A provider may list required email domains. Sign-in for an address in one
// of those domains must go through that provider when the current
// application is connected to it; see DomainLookup.
package externalprovider

import (
	"slices"
	"strings"
	"time"
)

// Response types an upstream provider may be configured with.
const (
	ResponseTypeCode    = "code"
	ResponseTypeIDToken = "id_token"
	ResponseTypeNone    = "none"
	ResponseTypeToken   = "token"
)

// ResponseTypes lists every accepted response type.
var ResponseTypes = []string{ResponseTypeCode, ResponseTypeIDToken, ResponseTypeNone, ResponseTypeToken}

var defaultScopes = []string{"openid", "profile", "email"}

// ExternalProvider is an upstream OpenID Connect provider owned by one account.
type ExternalProvider struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	DisplayName     string    `json:"display_name"`
	Authority       string    `json:"authority"`
	ClientID        string    `json:"client_id"`
	ClientSecret    string    `json:"client_secret,omitempty"` // encrypted at rest
	ResponseType    string    `json:"response_type"`
	IsDefault       bool      `json:"is_default"`
	IsVisible       bool      `json:"is_visible"`
	Scopes          []string  `json:"scopes"`
	RequiredDomains []string  `json:"required_domains"`
	CreatedAt       time.Time `json:"created_at"`
}

// RequestedScopes returns the configured scopes, defaulting to
// openid/profile/email, always including openid.
func (p *ExternalProvider) RequestedScopes() []string {
	if len(p.Scopes) == 0 {
		return slices.Clone(defaultScopes)
	}
	scopes := slices.Clone(p.Scopes)
	if !slices.Contains(scopes, "openid") {
		scopes = append([]string{"openid"}, scopes...)
	}
	return scopes
}

// RequiresDomain reports whether email addresses in domain must sign in
// through this provider.
func (p *ExternalProvider) RequiresDomain(domain string) bool {
	return slices.Contains(p.RequiredDomains, NormalizeDomain(domain))
}

// State is the server side record of an upstream sign-in in progress. It is
// keyed by the opaque state parameter and consumed by the callback.
type State struct {
	State         string    `json:"state"`
	ProviderID    string    `json:"provider_id"`
	ApplicationID string    `json:"application_id,omitempty"`
	Nonce         string    `json:"nonce"`
	CodeVerifier  string    `json:"code_verifier,omitempty"`
	ReturnURL     string    `json:"return_url,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ExternalUserInfo is the identity asserted by an upstream provider.
type ExternalUserInfo struct {
	ProviderID    string `json:"provider_id"`
	ExternalID    string `json:"external_id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// ExternalLogin binds an upstream subject to a local user.
type ExternalLogin struct {
	ProviderID string    `json:"provider_id"`
	Subject    string    `json:"subject"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Domain returns the lowercased domain part of the email.
func (u *ExternalUserInfo) Domain() string {
	return EmailDomain(u.Email)
}

// EmailDomain returns the normalized domain of an email address, or "" if it
// has none.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return NormalizeDomain(email[at+1:])
}

// NormalizeDomain lowercases and trims a domain. A leading "@" is dropped.
func NormalizeDomain(domain string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "@")
}
