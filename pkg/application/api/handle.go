package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tendant/tenant-idm/pkg/application"
	"github.com/tendant/tenant-idm/pkg/response"
)

// Handle serves the application registry.
type Handle struct {
	service *application.Service
}

func NewHandle(service *application.Service) Handle {
	return Handle{service: service}
}

// RegisterRoutes mounts the management routes behind an authenticating
// router.
func (h Handle) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{applicationID}", h.Get)
	r.Put("/{applicationID}", h.Edit)
	r.Delete("/{applicationID}", h.Delete)
	r.Post("/{applicationID}/secret", h.RegenerateSecret)
}

// RegisterPublicRoutes mounts the anonymous routes. The router must run
// the current application resolver.
func (h Handle) RegisterPublicRoutes(r chi.Router) {
	r.Get("/domain-requirements", h.DomainRequirements)
}

func (h Handle) Create(w http.ResponseWriter, r *http.Request) {
	var req application.CreateRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.Create(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusCreated)
}

func (h Handle) List(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.List(r.Context(), application.ListRequest{AccountID: r.URL.Query().Get("accountId")})
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) Get(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Get(r.Context(), application.IDRequest{ID: chi.URLParam(r, "applicationID")})
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) Edit(w http.ResponseWriter, r *http.Request) {
	var in application.Input
	if !response.DecodeJSON(w, r, &in) {
		return
	}
	res, err := h.service.Edit(r.Context(), application.EditRequest{ID: chi.URLParam(r, "applicationID"), Input: in})
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) Delete(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Delete(r.Context(), application.IDRequest{ID: chi.URLParam(r, "applicationID")})
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) RegenerateSecret(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RegenerateSecret(r.Context(), application.IDRequest{ID: chi.URLParam(r, "applicationID")})
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) DomainRequirements(w http.ResponseWriter, r *http.Request) {
	req := application.DomainRequirementsRequest{Domain: r.URL.Query().Get("domain")}
	if current, ok := application.CurrentFromContext(r.Context()); ok {
		req.ApplicationID = current.ID
	}
	res, err := h.service.DomainRequirements(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusOK)
}
