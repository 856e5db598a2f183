// Package user stores end users and verifies their passwords.
package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/tenant-idm/pkg/store"
)

const (
	usersTable  = "users"
	emailsTable = "user_emails"
)

// ErrEmailTaken is returned when another user already owns the email.
var ErrEmailTaken = errors.New("email already registered")

// User is a local account holder.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	PasswordHash  string    `json:"password_hash,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	TOTPSecret    string    `json:"totp_secret,omitempty"`
	TOTPEnabled   bool      `json:"totp_enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasPassword reports whether the user can sign in with a password.
func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}

type emailIndex struct {
	UserID string `json:"user_id"`
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Repository persists users in the document store with a unique email index.
type Repository struct {
	store store.Store
}

// NewRepository creates a user repository
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// Get loads a user by id. The returned error wraps store.ErrNotFound when
// the user does not exist.
func (r *Repository) Get(ctx context.Context, id string) (User, int64, error) {
	return store.GetJSON[User](ctx, r.store, usersTable, id)
}

// FindByEmail loads a user by email.
func (r *Repository) FindByEmail(ctx context.Context, email string) (User, int64, error) {
	idx, _, err := store.GetJSON[emailIndex](ctx, r.store, emailsTable, NormalizeEmail(email))
	if err != nil {
		return User{}, 0, err
	}
	return r.Get(ctx, idx.UserID)
}

// Exists reports whether a user with email exists.
func (r *Repository) Exists(ctx context.Context, email string) (bool, error) {
	_, err := r.store.Get(ctx, emailsTable, NormalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateOps returns the batch operations that insert u and claim its email.
// Callers can combine them with other writes in one Apply.
func (r *Repository) CreateOps(u User) ([]store.Op, error) {
	userOp, err := store.PutJSON(usersTable, u.ID, u, store.MustNotExist)
	if err != nil {
		return nil, err
	}
	emailOp, err := store.PutJSON(emailsTable, NormalizeEmail(u.Email), emailIndex{UserID: u.ID}, store.MustNotExist)
	if err != nil {
		return nil, err
	}
	return []store.Op{userOp, emailOp}, nil
}

// Create inserts u.
func (r *Repository) Create(ctx context.Context, u User) error {
	ops, err := r.CreateOps(u)
	if err != nil {
		return err
	}
	if err := r.store.Apply(ctx, ops...); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrEmailTaken
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Update writes u if it is still at version.
func (r *Repository) Update(ctx context.Context, u User, version int64) error {
	u.UpdatedAt = time.Now().UTC()
	op, err := store.PutJSON(usersTable, u.ID, u, version)
	if err != nil {
		return err
	}
	return r.store.Apply(ctx, op)
}

// New builds an unsaved user with a fresh id.
func New(email, name string) User {
	now := time.Now().UTC()
	return User{
		ID:        uuid.NewString(),
		Email:     NormalizeEmail(email),
		Name:      strings.TrimSpace(name),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
