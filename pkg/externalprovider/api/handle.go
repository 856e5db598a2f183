package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tendant/tenant-idm/pkg/externalprovider"
	"github.com/tendant/tenant-idm/pkg/response"
)

// Handle serves the external provider registry.
type Handle struct {
	service *externalprovider.Service
}

func NewHandle(service *externalprovider.Service) Handle {
	return Handle{service: service}
}

// RegisterRoutes mounts the provider routes behind an authenticating router.
func (h Handle) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Put("/{providerID}", h.Edit)
	r.Delete("/{providerID}", h.Delete)
}

func (h Handle) Create(w http.ResponseWriter, r *http.Request) {
	var req externalprovider.CreateRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.Create(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusCreated)
}

// List expects the account in the accountId query parameter.
func (h Handle) List(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.List(r.Context(), externalprovider.ListRequest{AccountID: r.URL.Query().Get("accountId")})
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) Edit(w http.ResponseWriter, r *http.Request) {
	var in externalprovider.Input
	if !response.DecodeJSON(w, r, &in) {
		return
	}
	res, err := h.service.Edit(r.Context(), externalprovider.EditRequest{ID: chi.URLParam(r, "providerID"), Input: in})
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) Delete(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Delete(r.Context(), externalprovider.DeleteRequest{ID: chi.URLParam(r, "providerID")})
	response.Respond(w, r, res, err, http.StatusOK)
}
