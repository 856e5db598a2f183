// Package wellknown serves the OAuth 2.0 / OpenID Connect discovery
// documents (RFC 8414, RFC 9728, OpenID Connect Discovery 1.0) and the JWKS.
package wellknown

import "strings"

// ProtectedResourceMetadata is the RFC 9728 document for the local API.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	Scopes                 []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}

// AuthorizationServerMetadata is the RFC 8414 document. The OpenID fields
// are filled in for /.well-known/openid-configuration only.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
}

// Config holds configuration for well-known endpoints
type Config struct {
	// Issuer is the public base URL of this service.
	Issuer string
	Scopes []string
}

func (c Config) endpoint(path string) string {
	return strings.TrimRight(c.Issuer, "/") + path
}

func (c Config) scopes() []string {
	if len(c.Scopes) == 0 {
		return []string{"openid", "profile", "email", "roles", "offline_access", "local-api"}
	}
	return c.Scopes
}

// NewProtectedResourceMetadata describes the local API.
func NewProtectedResourceMetadata(config Config) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               config.endpoint("/api"),
		AuthorizationServers:   []string{config.Issuer},
		Scopes:                 []string{"local-api"},
		BearerMethodsSupported: []string{"header"},
	}
}

// NewAuthorizationServerMetadata describes the /connect endpoints.
func NewAuthorizationServerMetadata(config Config) AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            config.Issuer,
		AuthorizationEndpoint:             config.endpoint("/connect/authorize"),
		TokenEndpoint:                     config.endpoint("/connect/token"),
		JwksURI:                           config.endpoint("/.well-known/jwks.json"),
		ScopesSupported:                   config.scopes(),
		ResponseTypesSupported:            []string{"code", "id_token", "token", "id_token token"},
		ResponseModesSupported:            []string{"query", "fragment"},
		GrantTypesSupported:               []string{"authorization_code", "client_credentials", "implicit", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
	}
}

// NewOpenIDConfiguration extends the server metadata with the OpenID
// Connect Discovery fields.
func NewOpenIDConfiguration(config Config) AuthorizationServerMetadata {
	m := NewAuthorizationServerMetadata(config)
	m.UserinfoEndpoint = config.endpoint("/connect/userinfo")
	m.EndSessionEndpoint = config.endpoint("/connect/logout")
	m.SubjectTypesSupported = []string{"public"}
	m.IDTokenSigningAlgValuesSupported = []string{"RS256"}
	m.ClaimsSupported = []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "email", "email_verified", "name", "roles"}
	return m
}
