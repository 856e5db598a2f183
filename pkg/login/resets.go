package login

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/tenant-idm/pkg/store"
)

const resetsTable = "password_resets"

// PasswordReset is a pending reset. It is keyed by a hash of its token.
type PasswordReset struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ResetStore keeps password reset tokens.
type ResetStore struct {
	store store.Store
}

func NewResetStore(s store.Store) *ResetStore {
	return &ResetStore{store: s}
}

func resetKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create stores a reset for userID and returns its token.
func (r *ResetStore) Create(ctx context.Context, userID string, now time.Time, ttl time.Duration) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	op, err := store.PutJSON(resetsTable, resetKey(token), PasswordReset{UserID: userID, CreatedAt: now, ExpiresAt: now.Add(ttl)}, store.MustNotExist)
	if err != nil {
		return "", err
	}
	if err := r.store.Apply(ctx, op); err != nil {
		return "", fmt.Errorf("save password reset: %w", err)
	}
	return token, nil
}

// Peek loads a usable reset without consuming it.
func (r *ResetStore) Peek(ctx context.Context, token string, now time.Time) (PasswordReset, int64, error) {
	reset, version, err := store.GetJSON[PasswordReset](ctx, r.store, resetsTable, resetKey(token))
	if err != nil {
		return PasswordReset{}, 0, err
	}
	if now.After(reset.ExpiresAt) {
		return PasswordReset{}, 0, store.ErrNotFound
	}
	return reset, version, nil
}

// Take consumes a usable reset. A concurrent consumer makes it not found.
func (r *ResetStore) Take(ctx context.Context, token string, now time.Time) (PasswordReset, error) {
	reset, version, err := r.Peek(ctx, token, now)
	if err != nil {
		return PasswordReset{}, err
	}
	if err := r.store.Apply(ctx, store.Delete(resetsTable, resetKey(token), version)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return PasswordReset{}, store.ErrNotFound
		}
		return PasswordReset{}, err
	}
	return reset, nil
}
