package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/tenant-idm/pkg/application"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/externalprovider"
	"github.com/tendant/tenant-idm/pkg/login"
	"github.com/tendant/tenant-idm/pkg/metrics"
	"github.com/tendant/tenant-idm/pkg/response"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// Handle serves sign-in, registration and external sign-in.
type Handle struct {
	service    *login.Service
	sessions   *login.Sessions
	federation *externalprovider.Federation
	resolver   *application.Resolver
	loginURL   string
	limit      func(http.Handler) http.Handler
}

// Option configures a Handle.
type Option func(*Handle)

// WithRateLimit guards the credential endpoints with mw.
func WithRateLimit(mw func(http.Handler) http.Handler) Option {
	return func(h *Handle) {
		h.limit = mw
	}
}

// NewHandle creates the login handlers. Failed external sign-ins are sent
// back to loginURL with an error query parameter.
func NewHandle(service *login.Service, sessions *login.Sessions, federation *externalprovider.Federation, resolver *application.Resolver, loginURL string, opts ...Option) Handle {
	h := Handle{
		service:    service,
		sessions:   sessions,
		federation: federation,
		resolver:   resolver,
		loginURL:   loginURL,
		limit:      func(next http.Handler) http.Handler { return next },
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// RegisterRoutes mounts the sign-in routes. The router must run the session
// middleware so the signed-in user is known.
func (h Handle) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.limit)
		r.Post("/login", h.SignIn)
		r.Post("/login/2fa", h.VerifyTwoFactor)
		r.Post("/register", h.Register)
		r.Post("/password/forgot", h.ForgotPassword)
		r.Post("/password/reset", h.ResetPassword)
	})
	r.Post("/logout", h.Logout)
	r.Get("/me", h.Me)
	r.Post("/2fa/enroll", h.EnrollTwoFactor)
	r.Post("/2fa/confirm", h.ConfirmTwoFactor)
	r.Post("/2fa/disable", h.DisableTwoFactor)
}

// RegisterExternalRoutes mounts the upstream sign-in routes. Providers that
// post their response use the POST callback.
func (h Handle) RegisterExternalRoutes(r chi.Router) {
	r.Get("/{providerID}/start", h.StartExternal)
	r.Get("/{providerID}/callback", h.ExternalCallback)
	r.Post("/{providerID}/callback", h.ExternalCallback)
}

// signedIn starts a session for a completed sign-in before rendering it.
func (h Handle) signedIn(w http.ResponseWriter, r *http.Request, res response.Result[login.Outcome], err error, okStatus int) {
	if err == nil && res.IsValid() && !res.Value().TwoFactorRequired {
		out := res.Value()
		if err = h.sessions.Start(w, out.User(), out.Method); err == nil {
			slog.Info("User signed in", "userId", out.UserID, "method", out.Method)
		}
	}
	response.Respond(w, r, res, err, okStatus)
}

func (h Handle) SignIn(w http.ResponseWriter, r *http.Request) {
	var req login.SignInRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.SignIn(r.Context(), req)
	h.signedIn(w, r, res, err, http.StatusOK)
}

func (h Handle) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req login.TwoFactorRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.VerifyTwoFactor(r.Context(), req)
	h.signedIn(w, r, res, err, http.StatusOK)
}

func (h Handle) Register(w http.ResponseWriter, r *http.Request) {
	var req login.RegisterRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.Register(r.Context(), req)
	h.signedIn(w, r, res, err, http.StatusCreated)
}

func (h Handle) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req login.ForgotPasswordRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.ForgotPassword(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req login.ResetPasswordRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.ResetPassword(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.End(w)
	response.Render(w, r, response.Ok(struct{}{}), http.StatusOK)
}

// Me describes the signed-in user and the application being signed in to.
type Me struct {
	UserID        string `json:"userId"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	ApplicationID string `json:"applicationId,omitempty"`
}

func (h Handle) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := client.UserFromContext(r.Context())
	if !ok {
		response.RenderErrors(w, r, validation.New(validation.CodeNotAuthenticated, "Authentication is required.", ""))
		return
	}
	me := Me{UserID: p.Subject, Email: p.Email, Name: p.Name}
	if current, ok := application.CurrentFromContext(r.Context()); ok {
		me.ApplicationID = current.ID
	}
	response.Render(w, r, response.Ok(me), http.StatusOK)
}

func (h Handle) EnrollTwoFactor(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.EnrollTwoFactor(r.Context())
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) ConfirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req login.CodeRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.ConfirmTwoFactor(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req login.CodeRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.DisableTwoFactor(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusOK)
}

// StartExternal redirects the browser to an upstream provider connected to
// the current application. returnUrl must be a local path.
func (h Handle) StartExternal(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	current, ok := application.CurrentFromContext(r.Context())
	if !ok {
		current, _ = h.resolver.Lookup(r.Context(), "")
	}
	if !current.Connects(providerID) {
		response.RenderErrors(w, r, validation.New(validation.CodeNotAuthorized,
			"The provider is not connected to this application.", "providerId"))
		return
	}

	target, err := h.federation.Start(r.Context(), providerID, current.ID, localPath(r.URL.Query().Get("returnUrl")))
	switch {
	case errors.Is(err, externalprovider.ErrProviderNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Fail[struct{}](validation.New(validation.CodeInvalidValue, "Unknown provider.", "providerId")).Envelope())
		return
	case errors.Is(err, externalprovider.ErrUnsupportedResponseType):
		response.RenderErrors(w, r, validation.New(validation.CodeInvalidValue, "The provider cannot be used for sign-in.", "providerId"))
		return
	case err != nil:
		response.Respond(w, r, response.Result[struct{}]{}, err, http.StatusOK)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// ExternalCallback completes an upstream sign-in. The application comes
// from the stored sign-in state because the browser returns cross-site and
// may not send the current-application cookie.
func (h Handle) ExternalCallback(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	if err := r.ParseForm(); err != nil {
		h.externalFailed(w, r, "invalid_request", "")
		return
	}

	info, st, err := h.federation.Callback(r.Context(), providerID, r.Form)
	if err != nil {
		slog.Info("External sign-in failed", "providerId", providerID, "err", err)
		h.externalFailed(w, r, externalErrorCode(err), st.ReturnURL)
		return
	}

	current, _ := h.resolver.Lookup(r.Context(), st.ApplicationID)
	u, err := h.federation.ResolveUser(r.Context(), info, current.AutoProvision())
	if err != nil {
		slog.Info("External sign-in has no local user", "providerId", providerID, "err", err)
		h.externalFailed(w, r, externalErrorCode(err), st.ReturnURL)
		return
	}
	if err := h.sessions.Start(w, u, login.MethodExternal); err != nil {
		slog.Error("Failed to start session", "userId", u.ID, "err", err)
		h.externalFailed(w, r, "server_error", st.ReturnURL)
		return
	}
	metrics.SignIns.WithLabelValues(login.MethodExternal, "success").Inc()
	if !current.IsInternal() {
		application.SetCurrentCookie(w, current.ID)
	}
	slog.Info("User signed in", "userId", u.ID, "method", login.MethodExternal, "providerId", providerID)
	http.Redirect(w, r, localPath(st.ReturnURL), http.StatusFound)
}

func (h Handle) externalFailed(w http.ResponseWriter, r *http.Request, code, returnURL string) {
	metrics.SignIns.WithLabelValues(login.MethodExternal, "failure").Inc()
	q := url.Values{"error": {code}}
	if returnURL != "" {
		q.Set("returnUrl", localPath(returnURL))
	}
	http.Redirect(w, r, h.loginURL+"?"+q.Encode(), http.StatusFound)
}

func externalErrorCode(err error) string {
	switch {
	case errors.Is(err, externalprovider.ErrProvisioningDisabled):
		return "provisioning_disabled"
	case errors.Is(err, externalprovider.ErrUpstreamDenied):
		return "access_denied"
	case errors.Is(err, externalprovider.ErrStateInvalid):
		return "invalid_state"
	case errors.Is(err, externalprovider.ErrDomainNotAllowed):
		return "domain_not_allowed"
	case errors.Is(err, externalprovider.ErrEmailNotVerified), errors.Is(err, externalprovider.ErrLinkRefused):
		return "account_link_refused"
	default:
		return "server_error"
	}
}

// localPath keeps redirects on this host.
func localPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	return p
}
