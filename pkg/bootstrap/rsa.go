package bootstrap

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tendant/tenant-idm/pkg/jwks"
)

// SigningKeyPEM returns the PEM encoded RSA key in path, generating and
// writing a bits-sized key first when the file does not exist. An empty
// path returns "" so the key store picks or generates the key itself.
func SigningKeyPEM(path string, bits int) (pem string, generated bool, err error) {
	if path == "" {
		return "", false, nil
	}
	if bits == 0 {
		bits = 2048
	}
	if bits != 2048 && bits != 3072 && bits != 4096 {
		return "", false, fmt.Errorf("invalid key size %d (must be 2048, 3072, or 4096)", bits)
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if _, err := jwks.DecodePrivateKeyFromPEM(string(data)); err != nil {
			return "", false, fmt.Errorf("decode key file %s: %w", path, err)
		}
		slog.Info("Loaded signing key file", "path", path)
		return string(data), false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("read key file: %w", err)
	}

	slog.Info("Signing key file not found, generating a new key", "path", path, "bits", bits)
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", false, fmt.Errorf("generate RSA key: %w", err)
	}
	pem = jwks.EncodePrivateKeyToPEM(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(pem), 0o600); err != nil {
		return "", false, fmt.Errorf("write key file: %w", err)
	}
	return pem, true, nil
}
