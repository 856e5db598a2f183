// Package bootstrap seeds the internal OAuth client and the first owner at
// startup. Every step is idempotent.
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tendant/tenant-idm/pkg/account"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/oauth2client"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/user"
)

// Config describes what to seed.
type Config struct {
	InternalClient       oauth2client.ClientParams
	InternalClientSecret string

	// OwnerEmail enables owner seeding. A password is generated when
	// OwnerPassword is empty.
	OwnerEmail    string
	OwnerName     string
	OwnerPassword string
	// AccountName is the display name of the owner's first account.
	AccountName string
}

// Result reports what was seeded.
type Result struct {
	ClientID          string
	OwnerCreated      bool
	OwnerID           string
	OwnerEmail        string
	AccountID         string
	GeneratedPassword string
}

// Run seeds the internal client, then the owner when configured and absent.
func Run(ctx context.Context, cfg Config, clients *oauth2client.ClientService, users *user.Service, accounts *account.Service) (*Result, error) {
	if cfg.InternalClient.ClientID == "" {
		return nil, errors.New("internal client id is required")
	}
	if cfg.InternalClient.ClientType == "" {
		cfg.InternalClient.ClientType = oauth2client.ClientTypeConfidential
	}
	if len(cfg.InternalClient.Permissions) == 0 {
		cfg.InternalClient.Permissions = oauth2client.InternalPermissions
	}
	c, err := clients.EnsureClient(ctx, cfg.InternalClient, cfg.InternalClientSecret)
	if err != nil {
		return nil, fmt.Errorf("seed internal client: %w", err)
	}
	res := &Result{ClientID: c.ClientID}

	if cfg.OwnerEmail == "" {
		return res, nil
	}
	res.OwnerEmail = user.NormalizeEmail(cfg.OwnerEmail)
	existing, err := users.FindByEmail(ctx, cfg.OwnerEmail)
	if err == nil {
		slog.Info("Owner already exists, skipping owner bootstrap", "userId", existing.ID)
		res.OwnerID = existing.ID
		return res, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up owner: %w", err)
	}

	password := cfg.OwnerPassword
	if password == "" {
		if password, err = generatePassword(); err != nil {
			return nil, err
		}
		res.GeneratedPassword = password
	}
	name := cfg.OwnerName
	if name == "" {
		name = "Owner"
	}
	owner, err := users.Register(ctx, cfg.OwnerEmail, name, password)
	if err != nil {
		return nil, fmt.Errorf("create owner: %w", err)
	}
	res.OwnerCreated = true
	res.OwnerID = owner.ID

	if cfg.AccountName != "" {
		asOwner := client.WithPrincipal(ctx, &client.Principal{Subject: owner.ID, Kind: client.KindUser, Email: owner.Email})
		created, err := accounts.Create(asOwner, account.CreateRequest{DisplayName: cfg.AccountName})
		if err != nil {
			return nil, fmt.Errorf("create owner account: %w", err)
		}
		if !created.IsValid() {
			return nil, fmt.Errorf("create owner account: %w", created.Errors())
		}
		res.AccountID = created.Value().ID
	}
	slog.Info("Owner bootstrap completed", "userId", owner.ID, "accountId", res.AccountID)
	return res, nil
}

func generatePassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
