package oauth2client

import (
	"context"
	"errors"

	"github.com/tendant/tenant-idm/pkg/store"
)

const clientsTable = "oauth_clients"

// Repository persists OAuth2 clients in the document store.
type Repository struct {
	store store.Store
}

// NewRepository creates a client repository
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// GetClient retrieves an OAuth2 client by client ID. The error wraps
// store.ErrNotFound for unknown clients.
func (r *Repository) GetClient(ctx context.Context, clientID string) (*OAuth2Client, int64, error) {
	c, version, err := store.GetJSON[OAuth2Client](ctx, r.store, clientsTable, clientID)
	if err != nil {
		return nil, 0, err
	}
	return &c, version, nil
}

// ClientExists checks if a client with the given ID exists
func (r *Repository) ClientExists(ctx context.Context, clientID string) (bool, error) {
	_, err := r.store.Get(ctx, clientsTable, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PutOp writes c conditional on expectVersion.
func (r *Repository) PutOp(c *OAuth2Client, expectVersion int64) (store.Op, error) {
	return store.PutJSON(clientsTable, c.ClientID, c, expectVersion)
}

// DeleteOp removes a client.
func (r *Repository) DeleteOp(clientID string) store.Op {
	return store.Delete(clientsTable, clientID, store.AnyVersion)
}

// ListClients returns all registered OAuth2 clients
func (r *Repository) ListClients(ctx context.Context) ([]OAuth2Client, error) {
	return store.ListJSON[OAuth2Client](ctx, r.store, clientsTable, "")
}
