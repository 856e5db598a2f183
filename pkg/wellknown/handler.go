package wellknown

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/tenant-idm/pkg/jwks"
)

// KeySet returns the published signing keys. jwks.Service implements it.
type KeySet interface {
	GetJWKS(ctx context.Context) (jwks.JWKS, error)
}

// Handler provides HTTP handlers for well-known endpoints
type Handler struct {
	config Config
	keys   KeySet
}

// NewHandler creates a new well-known endpoints handler
func NewHandler(config Config, keys KeySet) *Handler {
	return &Handler{config: config, keys: keys}
}

// RegisterRoutes mounts the discovery documents under /.well-known.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/.well-known/openid-configuration", h.OpenIDConfiguration)
	r.Get("/.well-known/oauth-authorization-server", h.AuthorizationServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", h.ProtectedResourceMetadata)
	r.Get("/.well-known/jwks.json", h.JWKS)
}

// ProtectedResourceMetadata handles GET /.well-known/oauth-protected-resource
func (h *Handler) ProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeDiscovery(w, r, NewProtectedResourceMetadata(h.config))
}

// AuthorizationServerMetadata handles GET /.well-known/oauth-authorization-server
func (h *Handler) AuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeDiscovery(w, r, NewAuthorizationServerMetadata(h.config))
}

// OpenIDConfiguration handles GET /.well-known/openid-configuration
func (h *Handler) OpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	writeDiscovery(w, r, NewOpenIDConfiguration(h.config))
}

// JWKS handles GET /.well-known/jwks.json
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.GetJWKS(r.Context())
	if err != nil {
		slog.Error("Failed to load JWKS", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeDiscovery(w, r, set)
}

// writeDiscovery renders a cacheable document any origin may read.
func writeDiscovery(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	render.JSON(w, r, v)
}
