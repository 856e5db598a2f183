package config

// PrefixConfig holds the mount points of the API route groups. The OAuth2
// endpoints and discovery documents have fixed paths.
//
// Example environment variables:
//
//	API_PREFIX_AUTH=/api/v1/auth
//	API_PREFIX_ACCOUNTS=/api/v1/accounts
type PrefixConfig struct {
	Auth         string `env:"API_PREFIX_AUTH" env-default:"/api/auth"`
	External     string `env:"API_PREFIX_EXTERNAL" env-default:"/api/external"`
	Accounts     string `env:"API_PREFIX_ACCOUNTS" env-default:"/api/accounts"`
	Invitations  string `env:"API_PREFIX_INVITATIONS" env-default:"/api/invitations"`
	Applications string `env:"API_PREFIX_APPLICATIONS" env-default:"/api/applications"`
	Providers    string `env:"API_PREFIX_PROVIDERS" env-default:"/api/providers"`
}
