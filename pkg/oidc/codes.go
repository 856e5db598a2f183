package oidc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/tenant-idm/pkg/store"
)

const authCodesTable = "auth_codes"

// DefaultCodeLifespan is how long an authorization code can be redeemed.
const DefaultCodeLifespan = 10 * time.Minute

// AuthorizationCode is the grant recorded when a code is issued.
type AuthorizationCode struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	UserID              string    `json:"user_id"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// CodeStore keeps authorization codes. Only a hash of the code is used as
// the key, so a store dump cannot be replayed.
type CodeStore struct {
	store store.Store
}

// NewCodeStore creates a code store on s.
func NewCodeStore(s store.Store) *CodeStore {
	return &CodeStore{store: s}
}

func codeKey(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Issue generates a code for grant and stores it.
func (c *CodeStore) Issue(ctx context.Context, grant AuthorizationCode) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate authorization code: %w", err)
	}
	code := hex.EncodeToString(b)
	op, err := store.PutJSON(authCodesTable, codeKey(code), grant, store.MustNotExist)
	if err != nil {
		return "", err
	}
	if err := c.store.Apply(ctx, op); err != nil {
		return "", fmt.Errorf("save authorization code: %w", err)
	}
	return code, nil
}

// Take redeems a code. The code is deleted with a version check, so of two
// concurrent redemptions only one succeeds. Unknown, already redeemed and
// expired codes all yield store.ErrNotFound.
func (c *CodeStore) Take(ctx context.Context, code string, now time.Time) (AuthorizationCode, error) {
	if code == "" {
		return AuthorizationCode{}, store.ErrNotFound
	}
	key := codeKey(code)
	grant, version, err := store.GetJSON[AuthorizationCode](ctx, c.store, authCodesTable, key)
	if err != nil {
		return AuthorizationCode{}, err
	}
	if err := c.store.Apply(ctx, store.Delete(authCodesTable, key, version)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return AuthorizationCode{}, store.ErrNotFound
		}
		return AuthorizationCode{}, err
	}
	if now.After(grant.ExpiresAt) {
		return AuthorizationCode{}, store.ErrNotFound
	}
	return grant, nil
}
