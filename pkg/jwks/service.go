package jwks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/tenant-idm/pkg/store"
)

// Service manages signing keys. Keys survive restarts in the store so that
// tokens issued before a restart keep verifying.
type Service struct {
	repo    *Repository
	keyBits int
	now     func() time.Time
}

// NewService creates a key service over repo.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo, keyBits: 2048, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSigningKey returns the active signing key, creating it when needed.
// When privateKeyPEM is set that key is imported, identified by its
// thumbprint, and activated unless it already is. Otherwise the stored
// active key is kept, or a new key is generated on first start.
func (s *Service) EnsureSigningKey(ctx context.Context, privateKeyPEM string) (KeyPair, error) {
	var configured *KeyPair
	if privateKeyPEM != "" {
		privateKey, err := DecodePrivateKeyFromPEM(privateKeyPEM)
		if err != nil {
			return KeyPair{}, fmt.Errorf("decode configured signing key: %w", err)
		}
		configured = &KeyPair{
			Kid:        Thumbprint(&privateKey.PublicKey),
			Alg:        "RS256",
			PrivateKey: privateKey,
			CreatedAt:  s.now(),
		}
	}

	return store.RetryOnConflict(ctx, 0, func() (KeyPair, error) {
		kid, version, err := s.repo.ActiveKeyID(ctx)
		if errors.Is(err, store.ErrNotFound) {
			version = store.MustNotExist
		} else if err != nil {
			return KeyPair{}, err
		}

		if configured == nil && kid != "" {
			return s.repo.GetKey(ctx, kid)
		}
		if configured != nil && configured.Kid == kid {
			return s.repo.GetKey(ctx, kid)
		}

		next := configured
		if next == nil {
			if next, err = s.generate(); err != nil {
				return KeyPair{}, err
			}
		}
		if err := s.repo.Activate(ctx, *next, version); err != nil {
			return KeyPair{}, err
		}
		slog.Info("Activated signing key", "kid", next.Kid, "imported", configured != nil)
		return *next, nil
	})
}

// ActiveKey returns the current signing key.
func (s *Service) ActiveKey(ctx context.Context) (KeyPair, error) {
	kid, _, err := s.repo.ActiveKeyID(ctx)
	if err != nil {
		return KeyPair{}, fmt.Errorf("load active key id: %w", err)
	}
	return s.repo.GetKey(ctx, kid)
}

// GetJWKS returns the public keys of every stored key, so tokens signed
// with a rotated-out key still verify until it is cleaned up.
func (s *Service) GetJWKS(ctx context.Context) (JWKS, error) {
	keys, err := s.repo.ListKeys(ctx)
	if err != nil {
		return JWKS{}, fmt.Errorf("list keys: %w", err)
	}
	set := JWKS{Keys: make([]JWK, 0, len(keys))}
	for _, kp := range keys {
		set.Keys = append(set.Keys, kp.ToJWK())
	}
	return set, nil
}

// RotateKeys generates a new key and makes it active. The old key stays
// published.
func (s *Service) RotateKeys(ctx context.Context) (KeyPair, error) {
	next, err := s.generate()
	if err != nil {
		return KeyPair{}, err
	}
	_, err = store.RetryOnConflict(ctx, 0, func() (struct{}, error) {
		_, version, err := s.repo.ActiveKeyID(ctx)
		if errors.Is(err, store.ErrNotFound) {
			version = store.MustNotExist
		} else if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.repo.Activate(ctx, *next, version)
	})
	if err != nil {
		return KeyPair{}, fmt.Errorf("activate rotated key: %w", err)
	}
	slog.Info("Rotated signing keys", "new_active_kid", next.Kid)
	return *next, nil
}

// CleanupOldKeys removes inactive keys created more than maxAge ago.
func (s *Service) CleanupOldKeys(ctx context.Context, maxAge time.Duration) error {
	activeKid, _, err := s.repo.ActiveKeyID(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	keys, err := s.repo.ListKeys(ctx)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-maxAge)
	for _, kp := range keys {
		if kp.Kid == activeKid || kp.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.repo.DeleteKey(ctx, kp.Kid); err != nil {
			return fmt.Errorf("delete key %s: %w", kp.Kid, err)
		}
		slog.Info("Deleted retired signing key", "kid", kp.Kid)
	}
	return nil
}

func (s *Service) generate() (*KeyPair, error) {
	privateKey, err := GenerateRSAKeyPair(s.keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key pair: %w", err)
	}
	return &KeyPair{
		Kid:        uuid.NewString(),
		Alg:        "RS256",
		PrivateKey: privateKey,
		CreatedAt:  s.now(),
	}, nil
}
