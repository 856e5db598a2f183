package config

import (
	"time"

	"github.com/tendant/tenant-idm/pkg/ratelimit"
)

// RateLimitConfig contains rate limiting settings. Rates are tokens per
// minute and a zero capacity disables that limit.
type RateLimitConfig struct {
	Enabled bool `env:"RATELIMIT_ENABLED" env-default:"true"`

	GlobalCapacity  int     `env:"RATELIMIT_GLOBAL_CAPACITY" env-default:"1000"`
	GlobalPerMinute float64 `env:"RATELIMIT_GLOBAL_PER_MINUTE" env-default:"1000"`
	PerIPCapacity   int     `env:"RATELIMIT_PER_IP_CAPACITY" env-default:"100"`
	PerIPPerMinute  float64 `env:"RATELIMIT_PER_IP_PER_MINUTE" env-default:"100"`
	PerUserCapacity int     `env:"RATELIMIT_PER_USER_CAPACITY" env-default:"200"`
	PerUserPerMin   float64 `env:"RATELIMIT_PER_USER_PER_MINUTE" env-default:"200"`

	// Brute force limits for the credential endpoints, per client IP.
	LoginCapacity          int     `env:"RATELIMIT_LOGIN_CAPACITY" env-default:"10"`
	LoginPerMinute         float64 `env:"RATELIMIT_LOGIN_PER_MINUTE" env-default:"10"`
	SignupCapacity         int     `env:"RATELIMIT_SIGNUP_CAPACITY" env-default:"5"`
	SignupPerMinute        float64 `env:"RATELIMIT_SIGNUP_PER_MINUTE" env-default:"1"`
	PasswordResetCapacity  int     `env:"RATELIMIT_PASSWORD_RESET_CAPACITY" env-default:"3"`
	PasswordResetPerMinute float64 `env:"RATELIMIT_PASSWORD_RESET_PER_MINUTE" env-default:"0.05"`
	TokenCapacity          int     `env:"RATELIMIT_TOKEN_CAPACITY" env-default:"60"`
	TokenPerMinute         float64 `env:"RATELIMIT_TOKEN_PER_MINUTE" env-default:"60"`

	BucketTTL  time.Duration `env:"RATELIMIT_BUCKET_TTL" env-default:"1h"`
	TrustProxy bool          `env:"RATELIMIT_TRUST_PROXY" env-default:"false"`
}

// TrafficConfig limits all requests globally, per client IP and per
// signed-in subject. Token requests get their own per-IP bucket.
func (c RateLimitConfig) TrafficConfig() ratelimit.Config {
	return ratelimit.Config{
		Global:  ratelimit.Limit{Capacity: c.GlobalCapacity, PerMinute: c.GlobalPerMinute},
		PerIP:   ratelimit.Limit{Capacity: c.PerIPCapacity, PerMinute: c.PerIPPerMinute},
		PerUser: ratelimit.Limit{Capacity: c.PerUserCapacity, PerMinute: c.PerUserPerMin},
		Endpoints: map[string]ratelimit.Limit{
			"POST /connect/token": {Capacity: c.TokenCapacity, PerMinute: c.TokenPerMinute},
		},
		BucketTTL:  c.BucketTTL,
		TrustProxy: c.TrustProxy,
	}
}

// CredentialConfig limits the sign-in endpoints mounted under authPrefix,
// per client IP.
func (c RateLimitConfig) CredentialConfig(authPrefix string) ratelimit.Config {
	login := ratelimit.Limit{Capacity: c.LoginCapacity, PerMinute: c.LoginPerMinute}
	signup := ratelimit.Limit{Capacity: c.SignupCapacity, PerMinute: c.SignupPerMinute}
	reset := ratelimit.Limit{Capacity: c.PasswordResetCapacity, PerMinute: c.PasswordResetPerMinute}
	return ratelimit.Config{
		Endpoints: map[string]ratelimit.Limit{
			"POST " + authPrefix + "/login":           login,
			"POST " + authPrefix + "/login/2fa":       login,
			"POST " + authPrefix + "/register":        signup,
			"POST " + authPrefix + "/password/forgot": reset,
			"POST " + authPrefix + "/password/reset":  reset,
		},
		BucketTTL:  c.BucketTTL,
		TrustProxy: c.TrustProxy,
	}
}
