package config

import "time"

// LoginConfig configures password sign-in, two-factor and password reset.
type LoginConfig struct {
	ResetTTL     time.Duration `env:"PASSWORD_RESET_TTL" env-default:"1h"`
	TwoFactorTTL time.Duration `env:"TWO_FACTOR_TOKEN_TTL" env-default:"5m"`
	TOTPIssuer   string        `env:"TOTP_ISSUER" env-default:"tenant-idm"`
	BcryptCost   int           `env:"BCRYPT_COST" env-default:"10"`
}

// AccountConfig configures invitations.
type AccountConfig struct {
	InvitationTTL time.Duration `env:"INVITATION_TTL" env-default:"72h"`
	MaxRetries    uint          `env:"ACCOUNT_MAX_RETRIES" env-default:"5"`
}

// OwnerConfig seeds the first owner and account. Leave OwnerEmail empty to
// skip it.
type OwnerConfig struct {
	Email       string `env:"OWNER_EMAIL"`
	Name        string `env:"OWNER_NAME" env-default:"Owner"`
	Password    string `env:"OWNER_PASSWORD"`
	AccountName string `env:"OWNER_ACCOUNT_NAME" env-default:"Default"`
}
