package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/tenant-idm/pkg/authz"
	"github.com/tendant/tenant-idm/pkg/store"
)

const (
	accountsTable    = "accounts"
	namesTable       = "account_names"
	invitationsTable = "account_invitations"
	membershipsTable = "account_memberships"
)

// Account is a tenant. Members maps user ids to their single role.
type Account struct {
	ID          string                `json:"id"`
	DisplayName string                `json:"display_name"`
	Name        string                `json:"name"`
	Members     map[string]authz.Role `json:"members"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Owner returns the user id holding the Owner role.
func (a Account) Owner() string {
	for userID, role := range a.Members {
		if role == authz.Owner {
			return userID
		}
	}
	return ""
}

// Invitation lets the holder of Token join an account. Only the hash of
// Token is stored.
type Invitation struct {
	Token      string     `json:"-"`
	AccountID  string     `json:"account_id"`
	Email      string     `json:"email"`
	Role       authz.Role `json:"role"`
	SuccessURL string     `json:"success_url,omitempty"`
	InvitedBy  string     `json:"invited_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Usable reports whether the invitation can still be redeemed at now.
func (i Invitation) Usable(now time.Time) bool {
	return i.ConsumedAt == nil && now.Before(i.ExpiresAt)
}

// Membership is the per-user index row of an account member.
type Membership struct {
	UserID    string     `json:"user_id"`
	AccountID string     `json:"account_id"`
	Role      authz.Role `json:"role"`
}

type nameIndex struct {
	AccountID string `json:"account_id"`
}

// Repository persists accounts, their name index, memberships and
// invitations. It implements authz.MemberSource.
type Repository struct {
	store store.Store
}

// NewRepository creates an account repository
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// Store returns the backing store so callers can batch writes across
// repositories.
func (r *Repository) Store() store.Store {
	return r.store
}

// Get loads an account with its version.
func (r *Repository) Get(ctx context.Context, id string) (Account, int64, error) {
	return store.GetJSON[Account](ctx, r.store, accountsTable, id)
}

// Members returns the member map of an account.
func (r *Repository) Members(ctx context.Context, accountID string) (map[string]authz.Role, error) {
	acc, _, err := r.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return acc.Members, nil
}

// NameTaken reports whether a normalized name is already used.
func (r *Repository) NameTaken(ctx context.Context, name string) (bool, error) {
	_, err := r.store.Get(ctx, namesTable, name)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateOps inserts an account, claims its name and indexes its members.
func (r *Repository) CreateOps(acc Account) ([]store.Op, error) {
	accOp, err := store.PutJSON(accountsTable, acc.ID, acc, store.MustNotExist)
	if err != nil {
		return nil, err
	}
	nameOp, err := store.PutJSON(namesTable, acc.Name, nameIndex{AccountID: acc.ID}, store.MustNotExist)
	if err != nil {
		return nil, err
	}
	ops := []store.Op{accOp, nameOp}
	for userID, role := range acc.Members {
		op, err := membershipOp(acc.ID, userID, role)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// SaveOps writes acc at version and updates the membership rows of the
// given users. A user missing from acc.Members has its row removed.
func (r *Repository) SaveOps(acc Account, version int64, changedUsers ...string) ([]store.Op, error) {
	accOp, err := store.PutJSON(accountsTable, acc.ID, acc, version)
	if err != nil {
		return nil, err
	}
	ops := []store.Op{accOp}
	for _, userID := range changedUsers {
		role, ok := acc.Members[userID]
		if !ok {
			ops = append(ops, store.Delete(membershipsTable, store.CompositeKey(userID, acc.ID), store.AnyVersion))
			continue
		}
		op, err := membershipOp(acc.ID, userID, role)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func membershipOp(accountID, userID string, role authz.Role) (store.Op, error) {
	return store.PutJSON(membershipsTable, store.CompositeKey(userID, accountID),
		Membership{UserID: userID, AccountID: accountID, Role: role}, store.AnyVersion)
}

// MembershipsForUser lists the accounts a user belongs to.
func (r *Repository) MembershipsForUser(ctx context.Context, userID string) ([]Membership, error) {
	return store.ListJSON[Membership](ctx, r.store, membershipsTable, store.Prefix(userID))
}

func invitationKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GetInvitation loads an invitation by token.
func (r *Repository) GetInvitation(ctx context.Context, token string) (Invitation, int64, error) {
	inv, version, err := store.GetJSON[Invitation](ctx, r.store, invitationsTable, invitationKey(token))
	if err != nil {
		return Invitation{}, 0, err
	}
	inv.Token = token
	return inv, version, nil
}

// CreateInvitation stores a new invitation.
func (r *Repository) CreateInvitation(ctx context.Context, inv Invitation) error {
	op, err := store.PutJSON(invitationsTable, invitationKey(inv.Token), inv, store.MustNotExist)
	if err != nil {
		return err
	}
	if err := r.store.Apply(ctx, op); err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	return nil
}

// DeleteInvitation removes an invitation that was never delivered.
func (r *Repository) DeleteInvitation(ctx context.Context, token string) error {
	return r.store.Apply(ctx, store.Delete(invitationsTable, invitationKey(token), store.AnyVersion))
}

// ConsumeInvitationOp marks inv consumed, conditional on version.
func (r *Repository) ConsumeInvitationOp(inv Invitation, version int64, at time.Time) (store.Op, error) {
	inv.ConsumedAt = &at
	return store.PutJSON(invitationsTable, invitationKey(inv.Token), inv, version)
}
