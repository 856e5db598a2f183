package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	idmerrors "github.com/tendant/tenant-idm/pkg/errors"
	"github.com/tendant/tenant-idm/pkg/store"
)

// MinPasswordLength is the shortest password accepted on registration,
// invitation completion and reset.
const MinPasswordLength = 8

// Service wraps the repository with password handling.
type Service struct {
	repo   *Repository
	hasher PasswordHasher
}

// Option configures a Service.
type Option func(*Service)

// WithPasswordHasher overrides the default bcrypt hasher.
func WithPasswordHasher(h PasswordHasher) Option {
	return func(s *Service) {
		s.hasher = h
	}
}

// NewService creates a user service
func NewService(repo *Repository, opts ...Option) *Service {
	s := &Service{repo: repo, hasher: NewBcryptHasher()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repository exposes the underlying repository for batch composition.
func (s *Service) Repository() *Repository {
	return s.repo
}

// Build returns an unsaved user with a hashed password. An empty password
// creates a user that can only sign in through an external provider.
func (s *Service) Build(email, name, password string) (User, error) {
	u := New(email, name)
	if password != "" {
		hash, err := s.hasher.Hash(password)
		if err != nil {
			return User{}, fmt.Errorf("hash password: %w", err)
		}
		u.PasswordHash = hash
	}
	return u, nil
}

// Register creates and stores a new user.
func (s *Service) Register(ctx context.Context, email, name, password string) (User, error) {
	u, err := s.Build(email, name, password)
	if err != nil {
		return User{}, err
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return User{}, err
	}
	slog.Info("User registered", "userId", u.ID)
	return u, nil
}

// Authenticate checks email and password. Unknown emails and wrong
// passwords produce the same error.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	u, _, err := s.repo.FindByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return User{}, idmerrors.New(idmerrors.ErrCodeInvalidCredentials, "invalid email or password")
	}
	if err != nil {
		return User{}, idmerrors.Wrap(err, idmerrors.ErrCodeStoreUnavailable, "failed to load user")
	}

	ok, err := s.hasher.Verify(password, u.PasswordHash)
	if err != nil {
		return User{}, idmerrors.InternalWrap(err, "failed to verify password")
	}
	if !ok {
		slog.Info("Password verification failed", "userId", u.ID)
		return User{}, idmerrors.New(idmerrors.ErrCodeInvalidCredentials, "invalid email or password")
	}
	return u, nil
}

// SetPassword replaces the password of user id.
func (s *Service) SetPassword(ctx context.Context, id, password string) error {
	u, version, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = hash
	return s.repo.Update(ctx, u, version)
}

// Get loads a user by id
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	u, _, err := s.repo.Get(ctx, id)
	return u, err
}

// FindByEmail loads a user by email
func (s *Service) FindByEmail(ctx context.Context, email string) (User, error) {
	u, _, err := s.repo.FindByEmail(ctx, email)
	return u, err
}

// Exists reports whether a user with email exists
func (s *Service) Exists(ctx context.Context, email string) (bool, error) {
	return s.repo.Exists(ctx, email)
}

// Update applies mutate to the stored user and writes it back.
func (s *Service) Update(ctx context.Context, id string, mutate func(*User)) (User, error) {
	u, version, err := s.repo.Get(ctx, id)
	if err != nil {
		return User{}, err
	}
	mutate(&u)
	if err := s.repo.Update(ctx, u, version); err != nil {
		return User{}, err
	}
	return u, nil
}
