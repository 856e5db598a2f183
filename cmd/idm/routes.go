package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	accountapi "github.com/tendant/tenant-idm/pkg/account/api"
	"github.com/tendant/tenant-idm/pkg/application"
	applicationapi "github.com/tendant/tenant-idm/pkg/application/api"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/config"
	externalproviderapi "github.com/tendant/tenant-idm/pkg/externalprovider/api"
	loginapi "github.com/tendant/tenant-idm/pkg/login/api"
	"github.com/tendant/tenant-idm/pkg/metrics"
	oidcapi "github.com/tendant/tenant-idm/pkg/oidc/api"
	"github.com/tendant/tenant-idm/pkg/tracing"
	"github.com/tendant/tenant-idm/pkg/wellknown"
)

// routes builds the service router. Every request passes tracing, metrics,
// CORS, the session cookie, current application resolution and the traffic
// limits, in that order.
func routes(cfg config.Config, svc *services, tp *tracing.Provider) http.Handler {
	r := chi.NewRouter()
	r.Use(tp.Middleware)
	r.Use(metrics.Middleware)
	r.Use(application.CORS(svc.appRepo, cfg.HTTP.CORSOrigins...))
	r.Use(svc.sessions.Middleware)
	r.Use(svc.resolver.Middleware)
	if svc.traffic != nil {
		r.Use(svc.traffic.Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.PlainText(w, r, http.StatusText(http.StatusOK))
	})
	r.Handle("/metrics", metrics.Handler())
	wellknown.NewHandler(wellknown.Config{Issuer: cfg.HTTP.BaseURL}, svc.keys).RegisterRoutes(r)

	loginURL := cfg.HTTP.AbsoluteLoginURL()
	oidcapi.NewHandle(svc.engine, loginURL, svc.sessions.End).RegisterRoutes(r)

	var loginOpts []loginapi.Option
	if svc.credentials != nil {
		loginOpts = append(loginOpts, loginapi.WithRateLimit(svc.credentials.Handler))
	}
	signIn := loginapi.NewHandle(svc.login, svc.sessions, svc.federation, svc.resolver, loginURL, loginOpts...)
	r.Route(cfg.Prefix.Auth, signIn.RegisterRoutes)
	r.Route(cfg.Prefix.External, signIn.RegisterExternalRoutes)

	bearer := client.BearerAuth(svc.engine.Tokens(), client.ScopeLocalAPI)

	accounts := accountapi.NewHandle(svc.accounts)
	r.With(bearer).Route(cfg.Prefix.Accounts, accounts.RegisterRoutes)
	r.Route(cfg.Prefix.Invitations, func(r chi.Router) {
		accounts.RegisterInvitationRoutes(r, bearer)
	})

	applications := applicationapi.NewHandle(svc.applications)
	r.Route(cfg.Prefix.Applications, func(r chi.Router) {
		applications.RegisterPublicRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(bearer)
			applications.RegisterRoutes(r)
		})
	})

	r.With(bearer).Route(cfg.Prefix.Providers, externalproviderapi.NewHandle(svc.providers).RegisterRoutes)
	return r
}
