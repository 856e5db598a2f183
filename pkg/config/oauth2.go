package config

import "github.com/tendant/tenant-idm/pkg/oauth2client"

// OAuth2Config describes the internal client, the identity service's own
// sign-in front end.
type OAuth2Config struct {
	InternalClientID     string   `env:"INTERNAL_CLIENT_ID" env-default:"idm"`
	InternalClientSecret string   `env:"INTERNAL_CLIENT_SECRET"`
	InternalClientName   string   `env:"INTERNAL_CLIENT_NAME" env-default:"Identity"`
	RedirectURIs         []string `env:"INTERNAL_CLIENT_REDIRECT_URIS" env-separator:","`
	PostLogoutURIs       []string `env:"INTERNAL_CLIENT_POST_LOGOUT_URIS" env-separator:","`
}

// InternalClient converts the config to client parameters. The internal
// client is always confidential; without a secret it keeps the one stored.
func (o OAuth2Config) InternalClient() oauth2client.ClientParams {
	return oauth2client.ClientParams{
		ClientID:               o.InternalClientID,
		ClientName:             o.InternalClientName,
		ClientType:             oauth2client.ClientTypeConfidential,
		RedirectURIs:           o.RedirectURIs,
		PostLogoutRedirectURIs: o.PostLogoutURIs,
		Permissions:            oauth2client.InternalPermissions,
	}
}
