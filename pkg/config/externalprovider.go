package config

import "time"

// ExternalProviderConfig configures upstream identity providers.
type ExternalProviderConfig struct {
	// SecretKey encrypts provider client secrets at rest. At least 16
	// characters.
	SecretKey string        `env:"EXTERNAL_PROVIDER_SECRET_KEY" env-required:"true"`
	StateTTL  time.Duration `env:"EXTERNAL_PROVIDER_STATE_TTL" env-default:"10m"`
}
