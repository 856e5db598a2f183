package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tendant/tenant-idm/pkg/account"
	"github.com/tendant/tenant-idm/pkg/authz"
	"github.com/tendant/tenant-idm/pkg/response"
)

// Handle serves the account management endpoints.
type Handle struct {
	service *account.Service
}

func NewHandle(service *account.Service) Handle {
	return Handle{service: service}
}

// RegisterRoutes mounts the account routes. The router must already
// authenticate the caller.
func (h Handle) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.ListMine)
	r.Get("/{accountID}", h.Get)
	r.Post("/{accountID}/invitations", h.Invite)
	r.Put("/{accountID}/members/{userID}", h.EditMember)
	r.Delete("/{accountID}/members/{userID}", h.RemoveMember)
}

// RegisterInvitationRoutes mounts invitation redemption. Accepting needs an
// authenticated user, completing does not.
func (h Handle) RegisterInvitationRoutes(r chi.Router, authenticate func(http.Handler) http.Handler) {
	r.With(authenticate).Post("/accept", h.Accept)
	r.Post("/complete", h.Complete)
}

func (h Handle) Create(w http.ResponseWriter, r *http.Request) {
	var req account.CreateRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.Create(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusCreated)
}

func (h Handle) ListMine(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.ListMine(r.Context())
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) Get(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Get(r.Context(), account.GetRequest{AccountID: chi.URLParam(r, "accountID")})
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) Invite(w http.ResponseWriter, r *http.Request) {
	var req account.InviteRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	// The path wins over any account id in the body.
	req.AccountID = chi.URLParam(r, "accountID")
	res, err := h.service.Invite(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusCreated)
}

type editMemberBody struct {
	Role authz.Role `json:"role"`
}

func (h Handle) EditMember(w http.ResponseWriter, r *http.Request) {
	var body editMemberBody
	if !response.DecodeJSON(w, r, &body) {
		return
	}
	res, err := h.service.EditMember(r.Context(), account.EditMemberRequest{
		AccountID: chi.URLParam(r, "accountID"),
		UserID:    chi.URLParam(r, "userID"),
		Role:      body.Role,
	})
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) RemoveMember(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RemoveMember(r.Context(), account.RemoveMemberRequest{
		AccountID: chi.URLParam(r, "accountID"),
		UserID:    chi.URLParam(r, "userID"),
	})
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) Accept(w http.ResponseWriter, r *http.Request) {
	var req account.AcceptRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.AcceptInvitation(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusOK)
}

func (h Handle) Complete(w http.ResponseWriter, r *http.Request) {
	var req account.CompleteRequest
	if !response.DecodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.CompleteInvitation(r.Context(), req)
	response.Respond(w, r, res, err, http.StatusOK)
}
