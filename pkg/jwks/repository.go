package jwks

import (
	"context"

	"github.com/tendant/tenant-idm/pkg/store"
)

const (
	keysTable   = "signing_keys"
	activeTable = "signing_keys_active"
	activeKey   = "current"
)

type activePointer struct {
	Kid string `json:"kid"`
}

// Repository persists signing keys and the pointer to the active one.
type Repository struct {
	store store.Store
}

// NewRepository creates a key repository over s.
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// ListKeys returns every stored key ordered by kid.
func (r *Repository) ListKeys(ctx context.Context) ([]KeyPair, error) {
	return store.ListJSON[KeyPair](ctx, r.store, keysTable, "")
}

// GetKey loads a key by id.
func (r *Repository) GetKey(ctx context.Context, kid string) (KeyPair, error) {
	kp, _, err := store.GetJSON[KeyPair](ctx, r.store, keysTable, kid)
	return kp, err
}

// ActiveKeyID returns the id of the signing key and the pointer version.
func (r *Repository) ActiveKeyID(ctx context.Context) (string, int64, error) {
	p, version, err := store.GetJSON[activePointer](ctx, r.store, activeTable, activeKey)
	return p.Kid, version, err
}

// Activate stores kp if it is new and makes it the signing key. pointerVersion
// is the version returned by ActiveKeyID, or store.MustNotExist when there
// is no active key yet.
func (r *Repository) Activate(ctx context.Context, kp KeyPair, pointerVersion int64) error {
	keyOp, err := store.PutJSON(keysTable, kp.Kid, kp, store.AnyVersion)
	if err != nil {
		return err
	}
	pointerOp, err := store.PutJSON(activeTable, activeKey, activePointer{Kid: kp.Kid}, pointerVersion)
	if err != nil {
		return err
	}
	return r.store.Apply(ctx, keyOp, pointerOp)
}

// DeleteKey removes a retired key.
func (r *Repository) DeleteKey(ctx context.Context, kid string) error {
	return r.store.Apply(ctx, store.Delete(keysTable, kid, store.AnyVersion))
}
