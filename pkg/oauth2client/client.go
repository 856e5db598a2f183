package oauth2client

import (
	"slices"
	"strings"
	"time"
)

const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Permission prefixes and values. A client may only use the endpoints,
// grant types, response types and scopes it holds a permission for.
const (
	PrefixEndpoint     = "ept:"
	PrefixGrantType    = "gt:"
	PrefixResponseType = "rst:"
	PrefixScope        = "scp:"

	PermAuthorizationEndpoint = "ept:authorization"
	PermTokenEndpoint         = "ept:token"
	PermLogoutEndpoint        = "ept:logout"

	PermGrantAuthorizationCode = "gt:authorization_code"
	PermGrantClientCredentials = "gt:client_credentials"
	PermGrantImplicit          = "gt:implicit"
	PermGrantRefreshToken      = "gt:refresh_token"

	PermResponseTypeCode    = "rst:code"
	PermResponseTypeIDToken = "rst:id_token"
	PermResponseTypeToken   = "rst:token"

	PermScopeEmail    = "scp:email"
	PermScopeProfile  = "scp:profile"
	PermScopeRoles    = "scp:roles"
	PermScopeLocalAPI = "scp:local-api"
)

// ApplicationPermissions is the fixed permission set granted to every
// registered application.
var ApplicationPermissions = []string{
	PermAuthorizationEndpoint,
	PermLogoutEndpoint,
	PermGrantImplicit,
	PermGrantRefreshToken,
	PermResponseTypeIDToken,
	PermResponseTypeToken,
	PermScopeEmail,
	PermScopeProfile,
	PermScopeRoles,
	PermScopeLocalAPI,
}

// InternalPermissions is granted to this service's own client.
var InternalPermissions = []string{
	PermAuthorizationEndpoint,
	PermTokenEndpoint,
	PermLogoutEndpoint,
	PermGrantAuthorizationCode,
	PermGrantClientCredentials,
	PermGrantImplicit,
	PermGrantRefreshToken,
	PermResponseTypeCode,
	PermResponseTypeIDToken,
	PermResponseTypeToken,
	PermScopeEmail,
	PermScopeProfile,
	PermScopeRoles,
	PermScopeLocalAPI,
}

// OAuth2Client represents an OAuth2 client configuration
type OAuth2Client struct {
	ClientID               string    `json:"client_id"`
	SecretHash             string    `json:"secret_hash,omitempty"`
	ClientName             string    `json:"client_name"`
	ClientType             string    `json:"client_type"`
	RedirectURIs           []string  `json:"redirect_uris"`
	PostLogoutRedirectURIs []string  `json:"post_logout_redirect_uris"`
	Permissions            []string  `json:"permissions"`
	CreatedAt              time.Time `json:"created_at"`
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *OAuth2Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// HasPermission reports whether the client holds permission.
func (c *OAuth2Client) HasPermission(permission string) bool {
	return slices.Contains(c.Permissions, permission)
}

// ValidateRedirectURI checks if the provided redirect URI is allowed for this client
func (c *OAuth2Client) ValidateRedirectURI(redirectURI string) bool {
	return redirectURI != "" && slices.Contains(c.RedirectURIs, redirectURI)
}

// ValidatePostLogoutRedirectURI checks a post-logout redirect URI.
func (c *OAuth2Client) ValidatePostLogoutRedirectURI(redirectURI string) bool {
	return redirectURI != "" && slices.Contains(c.PostLogoutRedirectURIs, redirectURI)
}

// AllowsGrantType reports whether the client may use grantType.
func (c *OAuth2Client) AllowsGrantType(grantType string) bool {
	return c.HasPermission(PrefixGrantType + grantType)
}

// ValidateResponseType checks a possibly space separated response type.
// Every component must be permitted, and the flow it implies (code for the
// authorization code grant, token or id_token for the implicit grant) must
// be permitted as well.
func (c *OAuth2Client) ValidateResponseType(responseType string) bool {
	parts := strings.Fields(responseType)
	if len(parts) == 0 {
		return false
	}
	for _, part := range parts {
		switch part {
		case "none":
			continue
		case "code":
			if !c.AllowsGrantType("authorization_code") {
				return false
			}
		case "token", "id_token":
			if !c.AllowsGrantType("implicit") {
				return false
			}
		default:
			return false
		}
		if !c.HasPermission(PrefixResponseType + part) {
			return false
		}
	}
	return true
}

// PermittedScopes lists the scopes the client may request. openid is always
// permitted; offline_access requires the refresh token grant.
func (c *OAuth2Client) PermittedScopes() []string {
	scopes := []string{"openid"}
	if c.AllowsGrantType("refresh_token") {
		scopes = append(scopes, "offline_access")
	}
	for _, p := range c.Permissions {
		if strings.HasPrefix(p, PrefixScope) {
			scopes = append(scopes, strings.TrimPrefix(p, PrefixScope))
		}
	}
	return scopes
}

// ValidateScope checks if the provided scopes are allowed for this client
func (c *OAuth2Client) ValidateScope(requestedScopes []string) bool {
	permitted := c.PermittedScopes()
	for _, s := range requestedScopes {
		if !slices.Contains(permitted, s) {
			return false
		}
	}
	return true
}

// ParseScope splits a space separated scope parameter, dropping duplicates.
func ParseScope(scope string) []string {
	var out []string
	for _, s := range strings.Fields(scope) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
