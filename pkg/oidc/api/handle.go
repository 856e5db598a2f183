package api

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/ory/fosite"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/oidc"
	"github.com/tendant/tenant-idm/pkg/response"
)

// Handle serves the /connect protocol endpoints.
type Handle struct {
	engine     *oidc.Engine
	loginURL   string
	endSession func(http.ResponseWriter)
}

// NewHandle creates the protocol handlers. Unauthenticated authorization
// requests are sent to loginURL with a returnUrl; endSession clears the
// browser session on logout.
func NewHandle(engine *oidc.Engine, loginURL string, endSession func(http.ResponseWriter)) Handle {
	return Handle{engine: engine, loginURL: loginURL, endSession: endSession}
}

// RegisterRoutes mounts the endpoints. The router must already place the
// browser session principal in the context for /connect/authorize.
func (h Handle) RegisterRoutes(r chi.Router) {
	r.Route("/connect", func(r chi.Router) {
		r.With(oidc.AuthorizationRequestMiddleware).Get("/authorize", h.Authorize)
		r.With(oidc.AuthorizationRequestMiddleware).Post("/authorize", h.Authorize)
		r.With(oidc.ExchangeRequestMiddleware).Post("/token", h.Token)
		r.Group(func(r chi.Router) {
			r.Use(userInfoAuth(h.engine.Tokens()))
			r.Get("/userinfo", h.UserInfo)
			r.Post("/userinfo", h.UserInfo)
		})
		r.Get("/logout", h.Logout)
		r.Post("/logout", h.Logout)
	})
}

func (h Handle) Authorize(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Authorize(r.Context())
	if err != nil {
		slog.Error("Authorization request failed", "err", err)
		h.authorizeError(w, r, fosite.ErrServerError)
		return
	}
	if !res.IsValid() {
		h.authorizeError(w, r, oidc.ProtocolErrorOf(res.Errors()))
		return
	}

	decision := res.Value()
	if decision.Challenge {
		http.Redirect(w, r, h.challengeURL(r), http.StatusFound)
		return
	}
	redirect, err := h.engine.Issue(r.Context(), decision)
	if err != nil {
		slog.Error("Failed to issue authorization response", "clientId", decision.Client.ClientID, "err", err)
		h.authorizeError(w, r, fosite.ErrServerError)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// challengeURL sends the user to sign in and back to the authorization
// request. prompt and max_age are dropped from the return URL so that a
// fresh sign-in satisfies them.
func (h Handle) challengeURL(r *http.Request) string {
	q := r.Form
	if q == nil {
		q = r.URL.Query()
	}
	back := url.Values{}
	for k, vs := range q {
		if k == "prompt" || k == "max_age" {
			continue
		}
		back[k] = vs
	}
	returnURL := oidc.AuthorizePath + "?" + back.Encode()

	u, err := url.Parse(h.loginURL)
	if err != nil {
		return h.loginURL
	}
	lq := u.Query()
	lq.Set("returnUrl", returnURL)
	u.RawQuery = lq.Encode()
	return u.String()
}

// authorizeError returns rfcErr to the client when the redirect URI is
// trusted and renders it otherwise.
func (h Handle) authorizeError(w http.ResponseWriter, r *http.Request, rfcErr *fosite.RFC6749Error) {
	if redirect, ok := h.engine.TrustedRedirect(r.Context()); ok {
		req, _ := oidc.AuthorizationRequestFromContext(r.Context())
		params := url.Values{
			"error":             {rfcErr.ErrorField},
			"error_description": {rfcErr.GetDescription()},
		}
		if req.State != "" {
			params.Set("state", req.State)
		}
		http.Redirect(w, r, oidc.AppendResponse(redirect, params, req.UsesFragment()), http.StatusFound)
		return
	}
	writeError(w, r, rfcErr, statusFor(rfcErr))
}

func statusFor(rfcErr *fosite.RFC6749Error) int {
	switch rfcErr.ErrorField {
	case fosite.ErrLoginRequired.ErrorField, fosite.ErrInvalidClient.ErrorField, fosite.ErrAccessDenied.ErrorField:
		return http.StatusUnauthorized
	case fosite.ErrUnauthorizedClient.ErrorField:
		return http.StatusForbidden
	case fosite.ErrServerError.ErrorField:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, rfcErr *fosite.RFC6749Error, status int) {
	w.Header().Set("Cache-Control", "no-store")
	render.Status(r, status)
	render.JSON(w, r, errorBody{Error: rfcErr.ErrorField, ErrorDescription: rfcErr.GetDescription()})
}

func (h Handle) Token(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Token(r.Context())
	if err != nil {
		slog.Error("Token request failed", "err", err)
		writeError(w, r, fosite.ErrServerError, http.StatusInternalServerError)
		return
	}
	if !res.IsValid() {
		rfcErr := oidc.ProtocolErrorOf(res.Errors())
		status := http.StatusBadRequest
		if res.Errors().Has(oidc.CodeInvalidClient) {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
			status = http.StatusUnauthorized
		}
		writeError(w, r, rfcErr, status)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	render.JSON(w, r, res.Value())
}

// userInfoAuth requires an access token granted the openid scope.
func userInfoAuth(introspector client.TokenIntrospector) func(http.Handler) http.Handler {
	return client.BearerAuth(introspector, client.ScopeOpenID)
}

func (h Handle) UserInfo(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.UserInfo(r.Context())
	if err != nil {
		slog.Error("Userinfo request failed", "err", err)
		writeError(w, r, fosite.ErrServerError, http.StatusInternalServerError)
		return
	}
	if !res.IsValid() {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, r, fosite.ErrAccessDenied.WithHint(res.Errors()[0].Message), http.StatusUnauthorized)
		return
	}
	render.JSON(w, r, res.Value())
}

// Logout ends the browser session. It never fails: without a trusted
// post-logout redirect it answers with an empty result.
func (h Handle) Logout(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	h.endSession(w)
	res, err := h.engine.Logout(r.Context(), oidc.LogoutRequest{
		ClientID:              r.Form.Get("client_id"),
		PostLogoutRedirectURI: r.Form.Get("post_logout_redirect_uri"),
		State:                 r.Form.Get("state"),
	})
	if err == nil && res.IsValid() && res.Value().RedirectURI != "" {
		http.Redirect(w, r, res.Value().RedirectURI, http.StatusFound)
		return
	}
	response.Render(w, r, response.Ok(struct{}{}), http.StatusOK)
}
