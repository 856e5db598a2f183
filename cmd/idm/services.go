package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-chi/jwtauth/v5"
	"github.com/tendant/tenant-idm/pkg/account"
	"github.com/tendant/tenant-idm/pkg/application"
	"github.com/tendant/tenant-idm/pkg/authz"
	"github.com/tendant/tenant-idm/pkg/bootstrap"
	"github.com/tendant/tenant-idm/pkg/config"
	"github.com/tendant/tenant-idm/pkg/externalprovider"
	"github.com/tendant/tenant-idm/pkg/jwks"
	"github.com/tendant/tenant-idm/pkg/login"
	"github.com/tendant/tenant-idm/pkg/notification"
	"github.com/tendant/tenant-idm/pkg/oauth2client"
	"github.com/tendant/tenant-idm/pkg/oidc"
	"github.com/tendant/tenant-idm/pkg/ratelimit"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/tokengenerator"
	"github.com/tendant/tenant-idm/pkg/user"
)

type services struct {
	users        *user.Service
	clients      *oauth2client.ClientService
	accounts     *account.Service
	applications *application.Service
	providers    *externalprovider.Service
	federation   *externalprovider.Federation
	resolver     *application.Resolver
	appRepo      *application.Repository
	keys         *jwks.Service
	engine       *oidc.Engine
	login        *login.Service
	sessions     *login.Sessions

	// nil when rate limiting is disabled
	traffic     *ratelimit.Middleware
	credentials *ratelimit.Middleware
}

func newServices(ctx context.Context, cfg config.Config, s store.Store) (*services, error) {
	keys := jwks.NewService(jwks.NewRepository(s))
	pem, generated, err := bootstrap.SigningKeyPEM(cfg.JWKS.PrivateKeyFile, cfg.JWKS.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	if generated {
		slog.Warn("Generated a new signing key file", "path", cfg.JWKS.PrivateKeyFile)
	}
	signingKey, err := keys.EnsureSigningKey(ctx, pem)
	if err != nil {
		return nil, fmt.Errorf("ensure signing key: %w", err)
	}
	generator := tokengenerator.NewRSATokenGenerator(signingKey.PrivateKey, signingKey.Kid, cfg.HTTP.BaseURL, cfg.JWT.Audience)

	var notifier notification.Notifier = notification.LogNotifier{}
	if cfg.Email.Enabled {
		email, err := notification.NewEmailNotifier(cfg.Email.ToSMTPConfig())
		if err != nil {
			return nil, fmt.Errorf("create email notifier: %w", err)
		}
		notifier = email
	}
	notifications, err := notification.NewNotificationManager(notifier)
	if err != nil {
		return nil, fmt.Errorf("create notification manager: %w", err)
	}

	users := user.NewService(user.NewRepository(s), user.WithPasswordHasher(&user.BcryptHasher{Cost: cfg.Login.BcryptCost}))
	clients := oauth2client.NewClientService(oauth2client.NewRepository(s)).WithSecretCost(cfg.Login.BcryptCost)

	accountRepo := account.NewRepository(s)
	guard := authz.NewGuard(accountRepo)
	accounts := account.NewService(accountRepo, users, guard, notifications, account.Config{
		BaseURL:       cfg.HTTP.BaseURL,
		InvitationTTL: cfg.Account.InvitationTTL,
		MaxRetries:    cfg.Account.MaxRetries,
	})

	secrets, err := externalprovider.NewSecretBox(cfg.External.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("create provider secret box: %w", err)
	}
	providerRepo := externalprovider.NewRepository(s)
	providers := externalprovider.NewService(s, providerRepo, secrets, guard)
	federation := externalprovider.NewFederation(providerRepo, secrets, users, accountRepo, cfg.HTTP.BaseURL,
		externalprovider.WithStateExpiration(cfg.External.StateTTL),
		externalprovider.WithCallbackPrefix(cfg.Prefix.External),
	)

	appRepo := application.NewRepository(s)
	applications := application.NewService(s, appRepo, clients, providerRepo, guard)
	resolver := application.NewResolver(appRepo, cfg.OAuth2.InternalClientID, application.WithInFlightClient(oidc.InFlightClientID))

	engine := oidc.NewEngine(clients, users, accountRepo, oidc.NewCodeStore(s),
		oidc.NewTokenService(generator, cfg.JWT.Lifespans()),
		oidc.WithCodeLifespan(cfg.JWT.CodeExpiry),
	)

	loginService := login.NewService(users, login.NewResetStore(s), generator, notifications, login.Config{
		BaseURL:      cfg.HTTP.BaseURL,
		ResetTTL:     cfg.Login.ResetTTL,
		TwoFactorTTL: cfg.Login.TwoFactorTTL,
		TOTPIssuer:   cfg.Login.TOTPIssuer,
	})
	sessions := login.NewSessions(generator,
		jwtauth.New("RS256", signingKey.PrivateKey, signingKey.PublicKey()),
		tokengenerator.NewCookieSetter(cfg.Session.CookieName, cfg.Session.CookieSecure),
		cfg.Session.TTL,
	)

	svc := &services{
		users:        users,
		clients:      clients,
		accounts:     accounts,
		applications: applications,
		providers:    providers,
		federation:   federation,
		resolver:     resolver,
		appRepo:      appRepo,
		keys:         keys,
		engine:       engine,
		login:        loginService,
		sessions:     sessions,
	}
	if cfg.RateLimit.Enabled {
		svc.traffic = ratelimit.NewMiddleware(cfg.RateLimit.TrafficConfig())
		svc.credentials = ratelimit.NewMiddleware(cfg.RateLimit.CredentialConfig(cfg.Prefix.Auth))
	}
	return svc, nil
}

func (s *services) stop() {
	if s.traffic != nil {
		s.traffic.Stop()
	}
	if s.credentials != nil {
		s.credentials.Stop()
	}
}
