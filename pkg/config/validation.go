package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := "configuration validation failed:"
	for _, err := range e {
		msg += fmt.Sprintf("\n  - %s", err.Error())
	}
	return msg
}

// Validate checks settings cleanenv cannot express as tags.
func (c Config) Validate() error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if u, err := url.Parse(c.HTTP.BaseURL); err != nil || !u.IsAbs() {
		add("BASE_URL", "must be an absolute URL")
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		add("STORE_BACKEND", fmt.Sprintf("must be one of %s", strings.Join([]string{BackendMemory, BackendRedis, BackendPostgres}, ", ")))
	}
	if len(c.External.SecretKey) < 16 {
		add("EXTERNAL_PROVIDER_SECRET_KEY", "must be at least 16 characters")
	}
	if c.OAuth2.InternalClientID == "" {
		add("INTERNAL_CLIENT_ID", "is required")
	}
	if c.Login.BcryptCost < 4 || c.Login.BcryptCost > 31 {
		add("BCRYPT_COST", "must be between 4 and 31")
	}
	for name, prefix := range map[string]string{
		"API_PREFIX_AUTH":         c.Prefix.Auth,
		"API_PREFIX_EXTERNAL":     c.Prefix.External,
		"API_PREFIX_ACCOUNTS":     c.Prefix.Accounts,
		"API_PREFIX_INVITATIONS":  c.Prefix.Invitations,
		"API_PREFIX_APPLICATIONS": c.Prefix.Applications,
		"API_PREFIX_PROVIDERS":    c.Prefix.Providers,
	} {
		if !strings.HasPrefix(prefix, "/") || strings.HasSuffix(prefix, "/") {
			add(name, "must start with / and not end with /")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
