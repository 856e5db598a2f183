package externalprovider

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySalt       = "tenant-idm-provider-secret"
	keyIterations = 10000
	minKeyLength  = 16
)

// SecretBox seals upstream client secrets with AES-256-GCM. The key is
// derived from a configured passphrase with PBKDF2.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives the sealing key from passphrase.
func NewSecretBox(passphrase string) (*SecretBox, error) {
	if len(passphrase) < minKeyLength {
		return nil, fmt.Errorf("provider secret key must be at least %d characters long", minKeyLength)
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(keySalt), keyIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretBox{aead: gcm}, nil
}

// Seal encrypts plaintext. An empty secret stays empty so public upstream
// clients need no special casing.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *SecretBox) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode secret: %w", err)
	}
	n := b.aead.NonceSize()
	if len(data) < n {
		return "", errors.New("sealed secret too short")
	}
	plaintext, err := b.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}
