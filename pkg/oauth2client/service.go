// Package oauth2client stores OAuth2 client records and validates client
// credentials and authorization request parameters against them.
package oauth2client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/tenant-idm/pkg/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrClientNotFound           = errors.New("client not found")
	ErrInvalidClientCredentials = errors.New("invalid client credentials")
	ErrInvalidRedirectURI       = errors.New("invalid redirect_uri")
	ErrUnsupportedResponseType  = errors.New("unsupported response_type")
	ErrInvalidScope             = errors.New("invalid scope")
)

// ClientService provides methods for managing OAuth2 clients
type ClientService struct {
	repository *Repository
	store      store.Store
	secretCost int
}

// NewClientService creates a new client service with the provided repository
func NewClientService(repository *Repository) *ClientService {
	return &ClientService{repository: repository, store: repository.store, secretCost: bcrypt.DefaultCost}
}

// WithSecretCost sets the bcrypt cost used for client secrets.
func (s *ClientService) WithSecretCost(cost int) *ClientService {
	s.secretCost = cost
	return s
}

// Repository returns the underlying repository for batch composition.
func (s *ClientService) Repository() *Repository {
	return s.repository
}

// GetClient retrieves a client by client ID
func (s *ClientService) GetClient(ctx context.Context, clientID string) (*OAuth2Client, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}
	c, _, err := s.repository.GetClient(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("load client %s: %w", clientID, err)
	}
	return c, nil
}

// ValidateClientCredentials validates client ID and secret. Public clients
// must not present a secret.
func (s *ClientService) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) (*OAuth2Client, error) {
	c, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !c.IsConfidential() {
		if clientSecret != "" {
			return nil, ErrInvalidClientCredentials
		}
		return c, nil
	}
	if clientSecret == "" || c.SecretHash == "" {
		return nil, ErrInvalidClientCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(clientSecret)); err != nil {
		slog.Info("Client secret mismatch", "clientId", clientID)
		return nil, ErrInvalidClientCredentials
	}
	return c, nil
}

// ValidateAuthorizationRequest validates an OAuth2 authorization request
func (s *ClientService) ValidateAuthorizationRequest(ctx context.Context, clientID, redirectURI, responseType string, scopes []string) (*OAuth2Client, error) {
	c, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !c.ValidateRedirectURI(redirectURI) {
		return c, ErrInvalidRedirectURI
	}
	if !c.HasPermission(PermAuthorizationEndpoint) || !c.ValidateResponseType(responseType) {
		return c, fmt.Errorf("%w: %s", ErrUnsupportedResponseType, responseType)
	}
	if !c.ValidateScope(scopes) {
		return c, ErrInvalidScope
	}
	return c, nil
}

// ClientParams describes a client to create.
type ClientParams struct {
	ClientID               string // generated when empty
	ClientName             string
	ClientType             string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	Permissions            []string
}

// NewClient builds an unsaved client. For confidential clients it returns
// the plaintext secret, which is not recoverable later.
func (s *ClientService) NewClient(p ClientParams) (*OAuth2Client, string, error) {
	c := &OAuth2Client{
		ClientID:               p.ClientID,
		ClientName:             p.ClientName,
		ClientType:             p.ClientType,
		RedirectURIs:           p.RedirectURIs,
		PostLogoutRedirectURIs: p.PostLogoutRedirectURIs,
		Permissions:            p.Permissions,
		CreatedAt:              time.Now().UTC(),
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.ClientType == "" {
		c.ClientType = ClientTypeConfidential
	}
	if !c.IsConfidential() {
		return c, "", nil
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	if err := s.SetSecret(c, secret); err != nil {
		return nil, "", err
	}
	return c, secret, nil
}

// SetSecret hashes secret into c.
func (s *ClientService) SetSecret(c *OAuth2Client, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.secretCost)
	if err != nil {
		return fmt.Errorf("hash client secret: %w", err)
	}
	c.SecretHash = string(hash)
	return nil
}

// EnsureClient creates or refreshes a well-known client, such as this
// service's internal client. The secret, when given, replaces the stored one.
func (s *ClientService) EnsureClient(ctx context.Context, p ClientParams, secret string) (*OAuth2Client, error) {
	existing, version, err := s.repository.GetClient(ctx, p.ClientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	c := &OAuth2Client{
		ClientID:               p.ClientID,
		ClientName:             p.ClientName,
		ClientType:             p.ClientType,
		RedirectURIs:           p.RedirectURIs,
		PostLogoutRedirectURIs: p.PostLogoutRedirectURIs,
		Permissions:            p.Permissions,
		CreatedAt:              time.Now().UTC(),
	}
	expect := store.MustNotExist
	if existing != nil {
		c.CreatedAt = existing.CreatedAt
		c.SecretHash = existing.SecretHash
		expect = version
	}
	if secret != "" {
		if err := s.SetSecret(c, secret); err != nil {
			return nil, err
		}
	}

	op, err := s.repository.PutOp(c, expect)
	if err != nil {
		return nil, err
	}
	if err := s.store.Apply(ctx, op); err != nil {
		return nil, fmt.Errorf("ensure client %s: %w", p.ClientID, err)
	}
	slog.Info("Client ensured", "clientId", c.ClientID, "created", existing == nil)
	return c, nil
}

// GenerateSecret returns a random URL-safe client secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
