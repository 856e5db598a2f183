// Command tokengen mints a local-API access token for an existing user,
// signed with the service's active key. It reads the same configuration as
// idm and needs a persistent store backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/tenant-idm/pkg/bootstrap"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/config"
	"github.com/tendant/tenant-idm/pkg/jwks"
	"github.com/tendant/tenant-idm/pkg/oidc"
	"github.com/tendant/tenant-idm/pkg/tokengenerator"
	"github.com/tendant/tenant-idm/pkg/user"
)

func main() {
	email := flag.String("email", "", "Email of the user the token is issued for")
	scopes := flag.String("scopes", client.ScopeLocalAPI, "Space separated scopes")
	expiry := flag.Duration("expiry", 30*time.Minute, "Token expiry duration (e.g., 30m, 1h, 24h)")
	outputFormat := flag.String("format", "compact", "Output format: compact, full, or debug")
	flag.Parse()

	if *email == "" {
		fmt.Fprintln(os.Stderr, "Error: -email is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to read configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Store.Backend == config.BackendMemory {
		fmt.Fprintln(os.Stderr, "Error: tokengen needs STORE_BACKEND=redis or postgres")
		os.Exit(1)
	}

	if err := run(context.Background(), cfg, *email, strings.Fields(*scopes), *expiry, *outputFormat); err != nil {
		slog.Error("Failed to generate token", "err", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, email string, scopes []string, expiry time.Duration, format string) error {
	s, closeStore, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	key, err := jwks.NewService(jwks.NewRepository(s)).ActiveKey(ctx)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	u, err := user.NewService(user.NewRepository(s)).FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("find user %s: %w", email, err)
	}

	generator := tokengenerator.NewRSATokenGenerator(key.PrivateKey, key.Kid, cfg.HTTP.BaseURL, cfg.JWT.Audience)
	lifespans := cfg.JWT.Lifespans()
	lifespans.AccessToken = expiry
	tokens := oidc.NewTokenService(generator, lifespans)

	token, err := tokens.AccessToken(&client.Principal{
		Subject:  u.ID,
		Kind:     client.KindUser,
		ClientID: cfg.OAuth2.InternalClientID,
		Scopes:   scopes,
		Email:    u.Email,
		Name:     u.Name,
		AuthTime: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	switch format {
	case "compact":
		fmt.Println(token.Value)
	case "full":
		fmt.Printf("Token: %s\nExpires: %s\n", token.Value, token.ExpiresAt.Format(time.RFC3339))
	case "debug":
		parsed, err := generator.ParseToken(token.Value)
		if err != nil {
			return fmt.Errorf("parse generated token: %w", err)
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return fmt.Errorf("unexpected claims type %T", parsed.Claims)
		}
		fmt.Printf("=== Token Information ===\n")
		fmt.Printf("Token: %s\n\n", token.Value)
		fmt.Printf("=== Token Header ===\n")
		headerJSON, _ := json.MarshalIndent(parsed.Header, "", "  ")
		fmt.Printf("%s\n\n", headerJSON)
		fmt.Printf("=== Token Claims ===\n")
		claimsJSON, _ := json.MarshalIndent(claims, "", "  ")
		fmt.Printf("%s\n\n", claimsJSON)
		fmt.Printf("Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}
