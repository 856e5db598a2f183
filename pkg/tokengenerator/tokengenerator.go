// Package tokengenerator signs and parses the RS256 JWTs issued by this
// service: access, refresh and ID tokens, session cookies and short-lived
// two-factor tokens.
package tokengenerator

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenGenerator defines methods for token operations
type TokenGenerator interface {
	// GenerateToken signs a token for subject. rootModifications override
	// registered claims (iss, aud, jti); extraClaims are added at the root.
	GenerateToken(subject string, expiry time.Duration, rootModifications map[string]interface{}, extraClaims map[string]interface{}) (string, time.Time, error)

	// ParseToken parses and validates a token
	ParseToken(tokenStr string) (*jwt.Token, error)
}

// RSATokenGenerator implements TokenGenerator with RS256 signing.
type RSATokenGenerator struct {
	privateKey *rsa.PrivateKey
	keyID      string
	issuer     string
	audience   string
	now        func() time.Time
}

// NewRSATokenGenerator creates a new RSA token generator. audience is the
// default aud claim and may be empty.
func NewRSATokenGenerator(privateKey *rsa.PrivateKey, keyID, issuer, audience string) *RSATokenGenerator {
	return &RSATokenGenerator{
		privateKey: privateKey,
		keyID:      keyID,
		issuer:     issuer,
		audience:   audience,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// GenerateToken creates a new RSA-signed token with the given subject and claims
func (g *RSATokenGenerator) GenerateToken(subject string, expiry time.Duration, rootModifications map[string]interface{}, extraClaims map[string]interface{}) (string, time.Time, error) {
	now := g.now()
	expiresAt := now.Add(expiry)
	claims := jwt.MapClaims{
		"iss": g.issuer,
		"sub": subject,
		"iat": jwt.NewNumericDate(now),
		"nbf": jwt.NewNumericDate(now.Add(-time.Minute)),
		"exp": jwt.NewNumericDate(expiresAt),
		"jti": uuid.NewString(),
	}
	if g.audience != "" {
		claims["aud"] = jwt.ClaimStrings{g.audience}
	}
	for _, k := range []string{"iss", "aud", "jti"} {
		if v, ok := rootModifications[k]; ok {
			claims[k] = v
		}
	}
	for k, v := range extraClaims {
		switch k {
		case "iss", "sub", "aud", "exp", "nbf", "iat", "jti":
			continue
		}
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = g.keyID
	tokenString, err := token.SignedString(g.privateKey)
	if err != nil {
		slog.Error("Failed to sign RSA JWT token", "err", err)
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// ParseToken parses and validates an RSA-signed token string. The issuer
// must match.
func (g *RSATokenGenerator) ParseToken(tokenStr string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &g.privateKey.PublicKey, nil
	},
		jwt.WithIssuer(g.issuer),
		jwt.WithTimeFunc(g.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	)
	if err != nil {
		slog.Debug("Failed to parse RSA JWT token", "err", err)
		return token, err
	}
	return token, nil
}

// KeyID returns the key ID placed in token headers.
func (g *RSATokenGenerator) KeyID() string {
	return g.keyID
}

// PublicKey returns the verification key.
func (g *RSATokenGenerator) PublicKey() *rsa.PublicKey {
	return &g.privateKey.PublicKey
}

// Issuer returns the iss claim of generated tokens.
func (g *RSATokenGenerator) Issuer() string {
	return g.issuer
}

// StringClaim reads a string claim from parsed MapClaims.
func StringClaim(token *jwt.Token, name string) string {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	s, _ := claims[name].(string)
	return s
}

// TimeClaim reads a NumericDate claim such as auth_time.
func TimeClaim(token *jwt.Token, name string) time.Time {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}
	}
	switch v := claims[name].(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	}
	return time.Time{}
}
