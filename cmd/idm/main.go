// Command idm runs the identity service: account and application
// management, password and federated sign-in, and the OAuth2/OpenID
// Connect endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tendant/chi-demo/app"
	"github.com/tendant/tenant-idm/pkg/bootstrap"
	"github.com/tendant/tenant-idm/pkg/config"
	"github.com/tendant/tenant-idm/pkg/tracing"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to read configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.SlogLevel())

	if err := run(context.Background(), cfg); err != nil {
		slog.Error("IDM service stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	tp, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	s, closeStore, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := newServices(ctx, cfg, s)
	if err != nil {
		return err
	}
	defer svc.stop()

	result, err := bootstrap.Run(ctx, bootstrap.Config{
		InternalClient:       cfg.OAuth2.InternalClient(),
		InternalClientSecret: cfg.OAuth2.InternalClientSecret,
		OwnerEmail:           cfg.Owner.Email,
		OwnerName:            cfg.Owner.Name,
		OwnerPassword:        cfg.Owner.Password,
		AccountName:          cfg.Owner.AccountName,
	}, svc.clients, svc.users, svc.accounts)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	bootstrap.PrintResult(os.Stdout, result)

	server := app.DefaultApp()
	server.R.Mount("/", routes(cfg, svc, tp))

	slog.Info(strings.Repeat("=", 60))
	slog.Info("IDM Service Ready")
	slog.Info("Base URL: " + cfg.HTTP.BaseURL)
	slog.Info("Store backend: " + cfg.Store.Backend)
	slog.Info("OIDC Discovery: " + strings.TrimRight(cfg.HTTP.BaseURL, "/") + "/.well-known/openid-configuration")
	slog.Info(strings.Repeat("=", 60))

	server.Run()
	return nil
}
