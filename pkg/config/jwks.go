package config

// JWKSConfig locates the RSA signing key.
type JWKSConfig struct {
	// PrivateKeyFile is read, or generated when missing. Empty leaves key
	// selection to the key store, which generates and persists one.
	PrivateKeyFile string `env:"JWKS_PRIVATE_KEY_FILE" env-default:"jwt-private.pem"`
	KeyBits        int    `env:"JWKS_KEY_BITS" env-default:"2048"`
}
