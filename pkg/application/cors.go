package application

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/cors"
)

// CORS allows cross-origin calls from the default and extra origins of every
// registered application, plus any statically configured origins.
func CORS(repo *Repository, static ...string) func(http.Handler) http.Handler {
	for i, o := range static {
		static[i] = NormalizeOrigin(o)
	}
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if slices.Contains(static, NormalizeOrigin(origin)) {
				return true
			}
			ok, err := repo.OriginAllowed(r.Context(), origin)
			if err != nil {
				slog.Warn("Origin lookup failed", "origin", origin, "err", err)
				return false
			}
			return ok
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
