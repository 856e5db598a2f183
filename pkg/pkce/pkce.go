// Package pkce implements Proof Key for Code Exchange (RFC 7636) checks for
// the authorization code grant.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ChallengeMethod represents the PKCE challenge method
type ChallengeMethod string

const (
	ChallengePlain ChallengeMethod = "plain"
	ChallengeS256  ChallengeMethod = "S256"
)

var (
	ErrInvalidVerifier = errors.New("pkce: malformed code verifier")
	ErrMismatch        = errors.New("pkce: code verifier does not match challenge")
	ErrInvalidMethod   = errors.New("pkce: unsupported challenge method")
)

const verifierChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// ParseMethod validates a code_challenge_method parameter. An absent method
// means plain.
func ParseMethod(method string) (ChallengeMethod, error) {
	switch ChallengeMethod(method) {
	case "", ChallengePlain:
		return ChallengePlain, nil
	case ChallengeS256:
		return ChallengeS256, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidMethod, method)
	}
}

// GenerateVerifier returns 32 random bytes, base64url encoded (43 chars).
func GenerateVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Challenge derives the code challenge of verifier.
func Challenge(verifier string, method ChallengeMethod) (string, error) {
	switch method {
	case ChallengePlain:
		return verifier, nil
	case ChallengeS256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidMethod, method)
	}
}

// Verify checks a code verifier against the challenge stored with the code.
func Verify(verifier, challenge string, method ChallengeMethod) error {
	if len(verifier) < 43 || len(verifier) > 128 || strings.Trim(verifier, verifierChars) != "" {
		return ErrInvalidVerifier
	}
	expected, err := Challenge(verifier, method)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return ErrMismatch
	}
	return nil
}
