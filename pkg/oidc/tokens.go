package oidc

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/tokengenerator"
)

// Values of the token_use claim.
const (
	TokenUseAccess  = "access"
	TokenUseRefresh = "refresh"
	TokenUseID      = "id"
)

var (
	ErrWrongTokenUse = errors.New("token has the wrong token_use")
	ErrTokenSubject  = errors.New("token has no subject")
)

// Lifespans configures how long minted tokens live.
type Lifespans struct {
	AccessToken  time.Duration
	IDToken      time.Duration
	RefreshToken time.Duration
}

// DefaultLifespans returns one hour access and ID tokens and 30 day
// refresh tokens.
func DefaultLifespans() Lifespans {
	return Lifespans{
		AccessToken:  time.Hour,
		IDToken:      time.Hour,
		RefreshToken: 30 * 24 * time.Hour,
	}
}

// Token is a signed token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenService mints and verifies the access, refresh and ID tokens of the
// authorization flows.
type TokenService struct {
	generator tokengenerator.TokenGenerator
	lifespans Lifespans
}

// NewTokenService creates a token service signing with generator.
func NewTokenService(generator tokengenerator.TokenGenerator, lifespans Lifespans) *TokenService {
	return &TokenService{generator: generator, lifespans: lifespans}
}

// Lifespans returns the configured lifespans.
func (s *TokenService) Lifespans() Lifespans {
	return s.lifespans
}

func (s *TokenService) sign(subject string, ttl time.Duration, root, claims map[string]interface{}) (Token, error) {
	v, exp, err := s.generator.GenerateToken(subject, ttl, root, claims)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: v, ExpiresAt: exp}, nil
}

func principalClaims(p *client.Principal, use string) map[string]interface{} {
	claims := map[string]interface{}{
		"token_use": use,
		"client_id": p.ClientID,
		"kind":      string(p.Kind),
		"scope":     strings.Join(p.Scopes, " "),
	}
	if !p.AuthTime.IsZero() {
		claims["auth_time"] = p.AuthTime.Unix()
	}
	if p.HasScope(client.ScopeEmail) && p.Email != "" {
		claims["email"] = p.Email
	}
	if p.HasScope(client.ScopeProfile) && p.Name != "" {
		claims["name"] = p.Name
	}
	return claims
}

// AccessToken mints an access token for p.
func (s *TokenService) AccessToken(p *client.Principal) (Token, error) {
	return s.sign(p.Subject, s.lifespans.AccessToken, nil, principalClaims(p, TokenUseAccess))
}

// RefreshToken mints a refresh token bound to p's client and scopes.
func (s *TokenService) RefreshToken(p *client.Principal) (Token, error) {
	claims := map[string]interface{}{
		"token_use": TokenUseRefresh,
		"client_id": p.ClientID,
		"kind":      string(p.Kind),
		"scope":     strings.Join(p.Scopes, " "),
	}
	if !p.AuthTime.IsZero() {
		claims["auth_time"] = p.AuthTime.Unix()
	}
	return s.sign(p.Subject, s.lifespans.RefreshToken, nil, claims)
}

// IDToken mints an ID token whose audience is the client.
func (s *TokenService) IDToken(p *client.Principal, nonce string) (Token, error) {
	claims := principalClaims(p, TokenUseID)
	delete(claims, "scope")
	if nonce != "" {
		claims["nonce"] = nonce
	}
	root := map[string]interface{}{"aud": jwt.ClaimStrings{p.ClientID}}
	return s.sign(p.Subject, s.lifespans.IDToken, root, claims)
}

func (s *TokenService) parse(raw, use string) (*client.Principal, error) {
	token, err := s.generator.ParseToken(raw)
	if err != nil {
		return nil, err
	}
	if tokengenerator.StringClaim(token, "token_use") != use {
		return nil, ErrWrongTokenUse
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrTokenSubject
	}
	return &client.Principal{
		Subject:  sub,
		Kind:     client.Kind(tokengenerator.StringClaim(token, "kind")),
		ClientID: tokengenerator.StringClaim(token, "client_id"),
		Scopes:   strings.Fields(tokengenerator.StringClaim(token, "scope")),
		Email:    tokengenerator.StringClaim(token, "email"),
		Name:     tokengenerator.StringClaim(token, "name"),
		AuthTime: tokengenerator.TimeClaim(token, "auth_time"),
	}, nil
}

// IntrospectAccessToken verifies an access token and returns its principal.
func (s *TokenService) IntrospectAccessToken(_ context.Context, raw string) (*client.Principal, error) {
	return s.parse(raw, TokenUseAccess)
}

// ParseRefreshToken verifies a refresh token and returns the principal it
// was issued for.
func (s *TokenService) ParseRefreshToken(raw string) (*client.Principal, error) {
	return s.parse(raw, TokenUseRefresh)
}

// narrowScopes returns requested when it is a subset of granted, granted
// when nothing was requested, and false otherwise.
func narrowScopes(granted, requested []string) ([]string, bool) {
	if len(requested) == 0 {
		return granted, true
	}
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return nil, false
		}
	}
	return requested, true
}
