// Package jwks keeps the RSA keys tokens are signed with and publishes their
// public halves as a JSON Web Key Set.
package jwks

import (
	"crypto/rsa"
	"encoding/json"
	"time"
)

// JWKS represents a JSON Web Key Set as defined in RFC 7517
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key as defined in RFC 7517
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeyPair is a signing key with its metadata. Only the private key is
// persisted; the public key is derived on load.
type KeyPair struct {
	Kid        string          `json:"kid"`
	Alg        string          `json:"alg"`
	PrivateKey *rsa.PrivateKey `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}

// PublicKey returns the verification key.
func (kp KeyPair) PublicKey() *rsa.PublicKey {
	return &kp.PrivateKey.PublicKey
}

// ToJWK converts a KeyPair to a JWK (public key only)
func (kp KeyPair) ToJWK() JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: kp.Kid,
		Alg: kp.Alg,
		N:   EncodeRSAPublicKeyModulus(kp.PublicKey()),
		E:   EncodeRSAPublicKeyExponent(kp.PublicKey()),
	}
}

type storedKeyPair struct {
	Kid           string    `json:"kid"`
	Alg           string    `json:"alg"`
	PrivateKeyPEM string    `json:"private_key_pem"`
	CreatedAt     time.Time `json:"created_at"`
}

// MarshalJSON stores the private key as PKCS#1 PEM.
func (kp KeyPair) MarshalJSON() ([]byte, error) {
	return json.Marshal(storedKeyPair{
		Kid:           kp.Kid,
		Alg:           kp.Alg,
		PrivateKeyPEM: EncodePrivateKeyToPEM(kp.PrivateKey),
		CreatedAt:     kp.CreatedAt,
	})
}

// UnmarshalJSON decodes the PEM private key.
func (kp *KeyPair) UnmarshalJSON(data []byte) error {
	var s storedKeyPair
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	privateKey, err := DecodePrivateKeyFromPEM(s.PrivateKeyPEM)
	if err != nil {
		return err
	}
	*kp = KeyPair{
		Kid:        s.Kid,
		Alg:        s.Alg,
		PrivateKey: privateKey,
		CreatedAt:  s.CreatedAt,
	}
	return nil
}
