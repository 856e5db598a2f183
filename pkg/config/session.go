package config

import "time"

// SessionConfig configures the browser session cookie.
type SessionConfig struct {
	CookieName   string        `env:"SESSION_COOKIE_NAME" env-default:"idm_session"`
	CookieSecure bool          `env:"COOKIE_SECURE" env-default:"true"`
	TTL          time.Duration `env:"SESSION_TTL" env-default:"12h"`
}
