package config

import (
	"time"

	"github.com/tendant/tenant-idm/pkg/oidc"
)

// JWTConfig holds token lifetimes. The issuer is HTTP.BaseURL.
type JWTConfig struct {
	Audience           string        `env:"JWT_AUDIENCE" env-default:"tenant-idm"`
	AccessTokenExpiry  time.Duration `env:"ACCESS_TOKEN_EXPIRY" env-default:"1h"`
	IDTokenExpiry      time.Duration `env:"ID_TOKEN_EXPIRY" env-default:"1h"`
	RefreshTokenExpiry time.Duration `env:"REFRESH_TOKEN_EXPIRY" env-default:"720h"`
	CodeExpiry         time.Duration `env:"AUTHORIZATION_CODE_EXPIRY" env-default:"10m"`
}

// Lifespans converts the expiries to oidc.Lifespans.
func (j JWTConfig) Lifespans() oidc.Lifespans {
	return oidc.Lifespans{
		AccessToken:  j.AccessTokenExpiry,
		IDToken:      j.IDTokenExpiry,
		RefreshToken: j.RefreshTokenExpiry,
	}
}
